package backend

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkim/kimgate/pipeline"
)

// failingResolver rejects every address.
type failingResolver struct{}

func (failingResolver) ResolveCertificates(ctx context.Context, addr string) ([]*x509.Certificate, error) {
	return nil, errors.New("not listed")
}

func (failingResolver) KimVersion(ctx context.Context, addr string) (string, error) {
	return "", nil
}

func TestDispatcherNoDeliverableRecipients(t *testing.T) {
	d := &Dispatcher{
		Resolver: failingResolver{},
		Registry: pipeline.NewRegistry(),
	}

	rr, err := d.Send(context.Background(), "praxis@kim.example",
		[]string{"a@kim.example", "b@kim.example"}, []byte("Subject: x\r\n\r\nbody\r\n"))
	require.Error(t, err)
	require.NotNil(t, rr)
	assert.Empty(t, rr.Delivered)
	assert.Len(t, rr.Failed, 2)
	assert.Equal(t, []pipeline.Code{pipeline.CodeCertNotFound}, rr.Failed["a@kim.example"])
	assert.Equal(t, []pipeline.Code{pipeline.CodeCertNotFound}, rr.Failed["b@kim.example"])
}

func TestDispatcherPipelineFailureStopsSend(t *testing.T) {
	failing := pipeline.Func{OpName: "kas.outgoing", Fn: func(ctx context.Context, env *pipeline.Context) error {
		return pipeline.Errorf("kas.outgoing", pipeline.CodeKasUploadTooLarge, "too big")
	}}
	registry := pipeline.NewRegistry()
	registry.Register(failing)

	d := &Dispatcher{Registry: registry}
	rr, err := d.Send(context.Background(), "praxis@kim.example",
		[]string{"a@kim.example"}, []byte("Subject: x\r\n\r\nbody\r\n"))
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeKasUploadTooLarge, pipeline.CodeOf(err))
	assert.Equal(t, []string{"a@kim.example"}, rr.Delivered,
		"the report reflects directory checks, not the terminal failure")
	assert.Empty(t, rr.Failed)
}
