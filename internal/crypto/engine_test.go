package crypto

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testKey     *KeyMaterial
	otherKey    *KeyMaterial
)

// testKeys generates key material once; RSA generation is too slow to
// repeat per test.
func testKeys(t *testing.T) (*KeyMaterial, *KeyMaterial) {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		testKey, err = GenerateKeyMaterial("study-a")
		if err != nil {
			t.Fatalf("failed to generate test key: %v", err)
		}
		otherKey, err = GenerateKeyMaterial("study-b")
		if err != nil {
			t.Fatalf("failed to generate test key: %v", err)
		}
	})
	return testKey, otherKey
}

func TestEngine_RoundTrip(t *testing.T) {
	km, _ := testKeys(t)
	engine := NewEngine()

	plaintext := []byte("accelerometer,1716400000,0.12,9.81,-0.03")

	wrappedKey, iv, ciphertext, err := engine.Encrypt(km, plaintext)
	require.NoError(t, err)
	assert.Len(t, wrappedKey, WrappedKeySize)
	assert.Len(t, iv, IVSize)

	got, err := engine.Decrypt(km, wrappedKey, iv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEngine_TamperedCiphertext(t *testing.T) {
	km, _ := testKeys(t)
	engine := NewEngine()

	wrappedKey, iv, ciphertext, err := engine.Encrypt(km, []byte("gps,1716400000,52.52,13.40"))
	require.NoError(t, err)

	// Flip a single bit in each position class: body and tag.
	for _, idx := range []int{0, len(ciphertext) - 1} {
		tampered := make([]byte, len(ciphertext))
		copy(tampered, ciphertext)
		tampered[idx] ^= 0x01

		_, err := engine.Decrypt(km, wrappedKey, iv, tampered)
		require.Error(t, err)
		var dErr *DecryptionError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, IntegrityFailure, dErr.Kind)
	}
}

func TestEngine_WrongStudyKey(t *testing.T) {
	km, other := testKeys(t)
	engine := NewEngine()

	wrappedKey, iv, ciphertext, err := engine.Encrypt(km, []byte("payload"))
	require.NoError(t, err)

	_, err = engine.Decrypt(other, wrappedKey, iv, ciphertext)
	require.Error(t, err)
	var dErr *DecryptionError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, KeyUnwrapFailure, dErr.Kind)
}

func TestEngine_MalformedInput(t *testing.T) {
	km, _ := testKeys(t)
	engine := NewEngine()

	wrappedKey, iv, ciphertext, err := engine.Encrypt(km, []byte("payload"))
	require.NoError(t, err)

	cases := []struct {
		name       string
		km         *KeyMaterial
		wrappedKey []byte
		iv         []byte
		ciphertext []byte
	}{
		{"missing key material", nil, wrappedKey, iv, ciphertext},
		{"truncated wrapped key", km, wrappedKey[:WrappedKeySize-1], iv, ciphertext},
		{"oversized wrapped key", km, append(append([]byte{}, wrappedKey...), 0x00), iv, ciphertext},
		{"short iv", km, wrappedKey, iv[:IVSize-1], ciphertext},
		{"empty iv", km, wrappedKey, nil, ciphertext},
		{"ciphertext shorter than tag", km, wrappedKey, iv, ciphertext[:tagSize-1]},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Decrypt(tc.km, tc.wrappedKey, tc.iv, tc.ciphertext)
			require.Error(t, err)
			var dErr *DecryptionError
			require.ErrorAs(t, err, &dErr)
			assert.Equal(t, MalformedInput, dErr.Kind)
		})
	}
}

func TestEngine_ErrorNeverLeaksKeyBytes(t *testing.T) {
	km, other := testKeys(t)
	engine := NewEngine()

	wrappedKey, iv, ciphertext, err := engine.Encrypt(km, []byte("sensitive plaintext"))
	require.NoError(t, err)

	_, err = engine.Decrypt(other, wrappedKey, iv, ciphertext)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "sensitive plaintext")
}

func TestKeyMaterial_MarshalRoundTrip(t *testing.T) {
	km, _ := testKeys(t)

	pemBytes, err := km.MarshalPrivate()
	require.NoError(t, err)

	loaded, err := LoadKeyMaterial(km.StudyID, pemBytes)
	require.NoError(t, err)

	// A chunk encrypted under the original key must decrypt under the
	// reloaded one.
	engine := NewEngine()
	wrappedKey, iv, ciphertext, err := engine.Encrypt(km, []byte("after reload"))
	require.NoError(t, err)

	got, err := engine.Decrypt(loaded, wrappedKey, iv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("after reload"), got)
}

func TestLoadKeyMaterial_NotPEM(t *testing.T) {
	_, err := LoadKeyMaterial("study-x", []byte("not a key"))
	require.Error(t, err)
}
