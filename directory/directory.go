// Package directory defines the certificate-directory (VZD) surface the
// gateway depends on. The LDAP wire client lives outside the core; this
// package carries the lookup contract and the KIM-capability constraints
// that feed the per-address error accumulators.
package directory

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strconv"
	"strings"

	"github.com/openkim/kimgate/pipeline"
)

// MinKasVersion is the lowest KIM version whose clients understand x-kas
// placeholder parts. Recipients below it must receive the full message.
const MinKasVersion = "1.5"

// Resolver looks up certificates and KIM capabilities for mail addresses.
type Resolver interface {
	// ResolveCertificates returns every encryption certificate published
	// for the address. An empty result without error means the address is
	// not listed.
	ResolveCertificates(ctx context.Context, addr string) ([]*x509.Certificate, error)
	// KimVersion returns the KIM client version advertised for the address,
	// "" when none is published.
	KimVersion(ctx context.Context, addr string) (string, error)
}

// CompareVersions compares dotted decimal KIM versions. Missing components
// count as zero, so "1.5" equals "1.5.0".
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(strings.TrimSpace(as[i]))
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(strings.TrimSpace(bs[i]))
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// SupportsKas reports whether the advertised version can handle offloaded
// attachments.
func SupportsKas(version string) bool {
	if version == "" {
		return false
	}
	return CompareVersions(version, MinKasVersion) >= 0
}

// CheckRecipient resolves certificates and the KIM version for one
// recipient and records failures into the context accumulators. It returns
// the usable certificates; an empty result means the recipient failed.
func CheckRecipient(ctx context.Context, env *pipeline.Context, r Resolver, addr string) []*x509.Certificate {
	certs, err := r.ResolveCertificates(ctx, addr)
	if err != nil {
		env.Log().Warn("certificate lookup failed", "address", addr, "error", err)
		env.AddCertError(addr, pipeline.CodeCertNotFound, pipeline.RecipientFault)
		return nil
	}
	if len(certs) == 0 {
		env.AddCertError(addr, pipeline.CodeCertNotFound, pipeline.RecipientFault)
		return nil
	}

	usable := certs[:0]
	for _, cert := range certs {
		if err := CheckKeyConstraints(cert); err != nil {
			env.Log().Warn("certificate rejected", "address", addr, "error", err)
			env.AddCertError(addr, pipeline.CodeCertConstraint, pipeline.RecipientFault)
			continue
		}
		usable = append(usable, cert)
	}
	if len(usable) == 0 {
		return nil
	}
	return usable
}

// CheckKeyConstraints enforces the RSA/ECC key requirements on a directory
// certificate: RSA keys of at least 2048 bits or ECDSA keys on a curve of
// at least 256 bits.
func CheckKeyConstraints(cert *x509.Certificate) error {
	switch key := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if key.N.BitLen() < 2048 {
			return fmt.Errorf("RSA key too short: %d bits", key.N.BitLen())
		}
	case *ecdsa.PublicKey:
		if key.Curve.Params().BitSize < 256 {
			return fmt.Errorf("ECC curve too small: %d bits", key.Curve.Params().BitSize)
		}
	default:
		return fmt.Errorf("unsupported public key type %T", cert.PublicKey)
	}
	return nil
}
