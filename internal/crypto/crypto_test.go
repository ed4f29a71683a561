package crypto

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "hunter2")
	require.NoError(t, err)

	_, err = DecryptKey(blob, "nothunter2")
	assert.Error(t, err)
}

func TestEncryptRejectsBadKey(t *testing.T) {
	_, err := EncryptKey("not-hex", "pw")
	assert.Error(t, err)

	_, err = EncryptKey("abcd", "pw")
	assert.Error(t, err)

	_, err = EncryptKey(testKeyHex, "")
	assert.Error(t, err)
}

func TestLoadKeyRawTakesPrecedence(t *testing.T) {
	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex, EncryptedKeyPath: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestLoadKeyNoSource(t *testing.T) {
	_, err := LoadKey(KeyConfig{})
	assert.Error(t, err)
}

func TestSignAuthMessageRecoverRoundTrip(t *testing.T) {
	signer, err := NewSigner(testKeyHex, 80002)
	require.NoError(t, err)

	ts := time.Now().Unix()
	sig, err := signer.SignAuthMessage(ts, 7)
	require.NoError(t, err)

	recovered, err := RecoverAuthAddress(80002, signer.Address().Hex(), ts, 7, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
}

func TestRecoverAuthAddressRejectsTamperedFields(t *testing.T) {
	signer, err := NewSigner(testKeyHex, 80002)
	require.NoError(t, err)

	ts := time.Now().Unix()
	sig, err := signer.SignAuthMessage(ts, 7)
	require.NoError(t, err)

	// A shifted timestamp recovers some other address, never the signer's.
	recovered, err := RecoverAuthAddress(80002, signer.Address().Hex(), ts+1, 7, sig)
	require.NoError(t, err)
	assert.NotEqual(t, signer.Address(), recovered)

	// Wrong chain likewise.
	recovered, err = RecoverAuthAddress(137, signer.Address().Hex(), ts, 7, sig)
	require.NoError(t, err)
	assert.NotEqual(t, signer.Address(), recovered)
}

func TestRecoverAuthAddressRejectsMalformedSignature(t *testing.T) {
	_, err := RecoverAuthAddress(80002, "0x0000000000000000000000000000000000000001", 1, 1, "0x1234")
	assert.Error(t, err)

	_, err = RecoverAuthAddress(80002, "0x0000000000000000000000000000000000000001", 1, 1, "zz")
	assert.Error(t, err)
}

func TestAdminAuthVerify(t *testing.T) {
	auth := &AdminAuth{Key: "admin-key", Secret: "s3cret"}
	now := time.Unix(1_700_000_000, 0)

	headers := auth.HeadersAt(http.MethodPost, "/v1/rounds", `{"mode":"updown"}`, now.Unix())

	err := auth.Verify(
		headers[HeaderAdminKey],
		headers[HeaderAdminTimestamp],
		headers[HeaderAdminSignature],
		http.MethodPost, "/v1/rounds", `{"mode":"updown"}`, now)
	assert.NoError(t, err)
}

func TestAdminAuthVerifyFailures(t *testing.T) {
	auth := &AdminAuth{Key: "admin-key", Secret: "s3cret"}
	now := time.Unix(1_700_000_000, 0)
	headers := auth.HeadersAt(http.MethodPost, "/v1/rounds", "", now.Unix())

	// Wrong key.
	err := auth.Verify("other", headers[HeaderAdminTimestamp], headers[HeaderAdminSignature],
		http.MethodPost, "/v1/rounds", "", now)
	assert.Error(t, err)

	// Stale timestamp.
	err = auth.Verify(headers[HeaderAdminKey], headers[HeaderAdminTimestamp], headers[HeaderAdminSignature],
		http.MethodPost, "/v1/rounds", "", now.Add(2*time.Minute))
	assert.Error(t, err)

	// Body swapped after signing.
	err = auth.Verify(headers[HeaderAdminKey], headers[HeaderAdminTimestamp], headers[HeaderAdminSignature],
		http.MethodPost, "/v1/rounds", `{"mode":"range"}`, now)
	assert.Error(t, err)
}
