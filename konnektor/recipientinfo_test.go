package konnektor

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var oidRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}

// envelopedMailFor builds an S/MIME message whose enveloped data names the
// given certificates as recipients.
func envelopedMailFor(t *testing.T, certs ...*x509.Certificate) []byte {
	t.Helper()

	var infos []asn1.RawValue
	for _, cert := range certs {
		ktri := keyTransRecipientInfo{
			Version: 0,
			RID: issuerAndSerial{
				Issuer: asn1.RawValue{FullBytes: cert.RawIssuer},
				Serial: cert.SerialNumber,
			},
			KeyEncryptionAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oidRSAEncryption},
			EncryptedKey:           []byte{0xde, 0xad, 0xbe, 0xef},
		}
		der, err := asn1.Marshal(ktri)
		require.NoError(t, err)
		infos = append(infos, asn1.RawValue{FullBytes: der})
	}

	eci, err := asn1.Marshal(struct {
		ContentType asn1.ObjectIdentifier
		Algorithm   pkix.AlgorithmIdentifier
	}{
		ContentType: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1},
		Algorithm:   pkix.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}},
	})
	require.NoError(t, err)

	envDER, err := asn1.Marshal(envelopedData{
		Version:              0,
		RecipientInfos:       infos,
		EncryptedContentInfo: asn1.RawValue{FullBytes: eci},
	})
	require.NoError(t, err)

	// asn1.Marshal writes RawValue.FullBytes verbatim and ignores the
	// struct field's explicit tag, so build the [0] EXPLICIT wrapper here.
	ciDER, err := asn1.Marshal(contentInfo{
		ContentType: oidEnvelopedData,
		Content: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      envDER,
		},
	})
	require.NoError(t, err)

	body := base64.StdEncoding.EncodeToString(ciDER)
	mail := fmt.Sprintf("From: a@kim.example\r\n"+
		"To: b@kim.example\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: application/pkcs7-mime; smime-type=enveloped-data; name=smime.p7m\r\n"+
		"Content-Transfer-Encoding: base64\r\n"+
		"\r\n%s\r\n", body)
	return []byte(mail)
}

func TestIssuerSerialsFromMail(t *testing.T) {
	certA := testCert(t, "KIM CA Nord", 4711)
	certB := testCert(t, "KIM CA Sued", 4712)
	mail := envelopedMailFor(t, certA, certB)

	candidates, err := IssuerSerialsFromMail(mail)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.True(t, candidates[0].MatchesCertificate(certA))
	assert.True(t, candidates[1].MatchesCertificate(certB))
	assert.False(t, candidates[0].MatchesCertificate(certB))
	assert.Equal(t, certA.SerialNumber, candidates[0].Serial)
}

func TestIssuerSerialsFromPlaintextMail(t *testing.T) {
	mail := []byte("From: a@kim.example\r\nSubject: klartext\r\n\r\nHallo\r\n")
	candidates, err := IssuerSerialsFromMail(mail)
	require.NoError(t, err)
	assert.Nil(t, candidates, "plaintext mail signals passthrough, not failure")
}

func TestIssuerSerialsFromNestedMultipart(t *testing.T) {
	cert := testCert(t, "KIM CA Nested", 815)

	// Wrap the pkcs7 part one level deep; the walk has to find it.
	outer := "Content-Type: multipart/mixed; boundary=outer\r\n\r\n" +
		"--outer\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"Vorspann\r\n" +
		"--outer\r\n" +
		pkcs7Part(t, cert) +
		"--outer--\r\n"

	candidates, err := IssuerSerialsFromMail([]byte(outer))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.True(t, candidates[0].MatchesCertificate(cert))
}

func TestIssuerSerialsRejectsGarbage(t *testing.T) {
	mail := []byte("Content-Type: application/pkcs7-mime\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" + base64.StdEncoding.EncodeToString([]byte("not DER at all")) + "\r\n")
	_, err := IssuerSerialsFromMail(mail)
	assert.Error(t, err)
}

func TestIssuerSerialsRejectsWrongContentType(t *testing.T) {
	// Signed-data content type is not usable for decrypt-mode selection.
	ciDER, err := asn1.Marshal(contentInfo{
		ContentType: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2},
		Content:     asn1.RawValue{FullBytes: mustMarshal(t, envelopedData{Version: 0, RecipientInfos: []asn1.RawValue{}, EncryptedContentInfo: asn1.RawValue{FullBytes: mustMarshal(t, struct{ N int }{1})}})},
	})
	require.NoError(t, err)

	mail := []byte("Content-Type: application/pkcs7-mime\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" + base64.StdEncoding.EncodeToString(ciDER) + "\r\n")
	_, err = IssuerSerialsFromMail(mail)
	assert.Error(t, err)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	der, err := asn1.Marshal(v)
	require.NoError(t, err)
	return der
}

func pkcs7Part(t *testing.T, cert *x509.Certificate) string {
	t.Helper()
	mail := envelopedMailFor(t, cert)
	start := findBodyStart(mail)
	body := string(mail[start:])
	return "Content-Type: application/pkcs7-mime; smime-type=enveloped-data\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" + body
}

func findBodyStart(mail []byte) int {
	for i := 0; i+4 <= len(mail); i++ {
		if string(mail[i:i+4]) == "\r\n\r\n" {
			return i + 4
		}
	}
	return 0
}
