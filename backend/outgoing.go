package backend

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/openkim/kimgate/directory"
	"github.com/openkim/kimgate/journal"
	"github.com/openkim/kimgate/kas"
	"github.com/openkim/kimgate/konnektor"
	"github.com/openkim/kimgate/logger"
	"github.com/openkim/kimgate/pipeline"
)

// Dispatcher drives the outgoing pipeline: per-recipient directory checks,
// attachment offload, sign+encrypt, then SMTP submission. A send proceeds
// only for recipients absent from every error accumulator.
type Dispatcher struct {
	Resolver  directory.Resolver
	Registry  *pipeline.Registry
	Submitter *Submitter
	Journal   *journal.Journal
}

// Send transforms and submits one message. The returned error reflects the
// first terminal pipeline failure; per-recipient directory failures only
// shrink the recipient set and surface in the returned RecipientReport.
func (d *Dispatcher) Send(ctx context.Context, from string, recipients []string, message []byte) (*RecipientReport, error) {
	env := pipeline.NewContext(logger.Get())
	defer env.Release()

	var certs []*x509.Certificate
	if d.Resolver != nil {
		for _, addr := range recipients {
			certs = append(certs, directory.CheckRecipient(ctx, env, d.Resolver, addr)...)
		}
	}

	clean := env.CleanRecipients(recipients)
	rr := recipientReport(env, recipients, clean)
	if len(clean) == 0 {
		d.record(ctx, from, "", string(pipeline.CodeCertNotFound), "no deliverable recipients")
		return rr, fmt.Errorf("no deliverable recipients")
	}

	current := message
	if op, ok := d.Registry.Get(kas.OpOutgoing); ok {
		env.Set(kas.OpOutgoing, kas.KeyMessage, current)
		env.Set(kas.OpOutgoing, kas.KeyRecipients, clean)
		if err := pipeline.Run(ctx, env, op); err != nil {
			d.record(ctx, from, "", string(pipeline.CodeOf(err)), err.Error())
			return rr, err
		}
		if v, ok := env.Get(kas.OpOutgoing, kas.KeyMessage); ok {
			if out, ok := v.([]byte); ok {
				current = out
			}
		}
	}

	telematikID := ""
	if op, ok := d.Registry.Get(konnektor.OpSignEncrypt); ok {
		env.Set(konnektor.OpSignEncrypt, konnektor.KeyMessage, current)
		env.Set(konnektor.OpSignEncrypt, konnektor.KeyCerts, certs)
		if err := pipeline.Run(ctx, env, op); err != nil {
			d.record(ctx, from, "", string(pipeline.CodeOf(err)), err.Error())
			return rr, err
		}
		if v, ok := env.Get(konnektor.OpSignEncrypt, konnektor.KeyMessage); ok {
			if out, ok := v.([]byte); ok {
				current = out
			}
		}
		telematikID = env.GetString(konnektor.OpSignEncrypt, konnektor.KeyTelematikID)
	}

	if err := d.Submitter.Submit(ctx, from, clean, current); err != nil {
		d.record(ctx, from, telematikID, string(pipeline.CodeBackendConnect), err.Error())
		return rr, err
	}

	outcome := "ok"
	if len(rr.Failed) > 0 {
		outcome = "degraded"
	}
	d.record(ctx, from, telematikID, outcome, fmt.Sprintf("delivered to %d of %d recipients", len(clean), len(recipients)))
	return rr, nil
}

// RecipientReport splits the recipient set into delivered and failed, with
// the accumulated codes per failed address.
type RecipientReport struct {
	Delivered []string
	Failed    map[string][]pipeline.Code
}

func recipientReport(env *pipeline.Context, recipients, clean []string) *RecipientReport {
	rr := &RecipientReport{Delivered: clean, Failed: make(map[string][]pipeline.Code)}
	for _, addr := range recipients {
		var codes []pipeline.Code
		if ae := env.CertErrors(addr); ae != nil {
			codes = append(codes, ae.Codes...)
		}
		if ae := env.KimVersionErrors(addr); ae != nil {
			codes = append(codes, ae.Codes...)
		}
		if ae := env.RcptErrors(addr); ae != nil {
			codes = append(codes, ae.Codes...)
		}
		if len(codes) > 0 {
			rr.Failed[addr] = codes
		}
	}
	return rr
}

func (d *Dispatcher) record(ctx context.Context, from, telematikID, outcome, detail string) {
	if d.Journal == nil {
		return
	}
	entry := journal.Entry{
		Direction:   journal.DirectionOutgoing,
		User:        from,
		TelematikID: telematikID,
		Outcome:     outcome,
		Detail:      detail,
	}
	if err := d.Journal.Record(ctx, entry); err != nil {
		logger.Warn("failed to write journal entry", "error", err)
	}
}
