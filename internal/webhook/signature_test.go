package webhook_test

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/marketplace-payments/internal/webhook"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func verifier(secret string) webhook.Verifier {
	return webhook.Verifier{Secret: secret, Tolerance: 5 * time.Minute, Now: func() time.Time { return fixedNow }}
}

func TestVerifyAcceptsOwnSignatureAndRejectsOtherSecrets(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`),
		[]byte(`{}`),
		[]byte(``),
		[]byte("caf\xc3\xa9, d=1,v1=2"),
	}
	for _, payload := range payloads {
		header := webhook.SignHeader(payload, "whsec_test", fixedNow)
		require.NoError(t, verifier("whsec_test").Verify(payload, header))

		other := webhook.SignHeader(payload, "whsec_other", fixedNow)
		err := verifier("whsec_test").Verify(payload, other)
		require.Equal(t, webhook.KindSignatureMismatch, webhook.KindOf(err))
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := webhook.SignHeader(payload, "whsec_test", fixedNow)
	err := verifier("whsec_test").Verify([]byte(`{"id":"evt_2"}`), header)
	require.Equal(t, webhook.KindSignatureMismatch, webhook.KindOf(err))
}

func TestVerifyAcceptsAnyMatchingV1(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	ts := fixedNow.Unix()
	header := "t=" + strconv.FormatInt(ts, 10) +
		",v1=" + webhook.ComputeSignature(payload, ts, "whsec_old") +
		",v1=" + webhook.ComputeSignature(payload, ts, "whsec_test") +
		",v0=ignored"
	require.NoError(t, verifier("whsec_test").Verify(payload, header))
}

func TestVerifyAcceptsUppercaseHex(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	ts := fixedNow.Unix()
	header := "t=" + strconv.FormatInt(ts, 10) + ",v1=" + strings.ToUpper(webhook.ComputeSignature(payload, ts, "whsec_test"))
	require.NoError(t, verifier("whsec_test").Verify(payload, header))
}

func TestVerifyMalformedHeaders(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	ts := strconv.FormatInt(fixedNow.Unix(), 10)
	sig := webhook.ComputeSignature(payload, fixedNow.Unix(), "whsec_test")
	cases := map[string]string{
		"empty":           "",
		"missing equals":  "t=" + ts + ",v1" + sig,
		"bare segment":    "t=" + ts + ",v1=" + sig + ",garbage",
		"trailing comma":  "t=" + ts + ",v1=" + sig + ",",
		"missing t":       "v1=" + sig,
		"missing v1":      "t=" + ts + ",v0=" + sig,
		"non numeric t":   "t=yesterday,v1=" + sig,
		"only separators": ",,,",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			err := verifier("whsec_test").Verify(payload, header)
			require.Error(t, err)
			require.Equal(t, webhook.KindMalformedHeader, webhook.KindOf(err))
		})
	}
}

func TestParseSignatureHeaderSplitsOnFirstEquals(t *testing.T) {
	parsed, err := webhook.ParseSignatureHeader("t=12,v1=abc=def,x=")
	require.NoError(t, err)
	require.Equal(t, int64(12), parsed.Timestamp)
	require.Equal(t, []string{"abc=def"}, parsed.Signatures)
}

func TestVerifyStaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	for _, skew := range []time.Duration{-6 * time.Minute, 6 * time.Minute} {
		header := webhook.SignHeader(payload, "whsec_test", fixedNow.Add(skew))
		err := verifier("whsec_test").Verify(payload, header)
		require.Equal(t, webhook.KindStaleTimestamp, webhook.KindOf(err))
		require.Equal(t, webhook.CategoryAuthentication, webhook.KindOf(err).Category())
	}
	header := webhook.SignHeader(payload, "whsec_test", fixedNow.Add(-4*time.Minute))
	require.NoError(t, verifier("whsec_test").Verify(payload, header))
}

func TestVerifyWithoutSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	err := webhook.Verifier{}.Verify(payload, "")
	require.Equal(t, webhook.KindConfiguration, webhook.KindOf(err))
	require.Equal(t, 500, webhook.KindOf(err).HTTPStatus())

	require.NoError(t, webhook.Verifier{Insecure: true}.Verify(payload, ""))
}
