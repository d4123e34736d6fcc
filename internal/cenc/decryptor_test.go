package cenc

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/arcflux/arcflux/internal/protection"
)

var testKey = []byte{
	0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
	0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
}

var testIV = []byte{
	0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17,
	0x18, 0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f,
}

func plaintext(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestDecryptCTRContinuousRoundTrip(t *testing.T) {
	block, err := aes.NewCipher(testKey)
	if err != nil {
		t.Fatal(err)
	}
	plain := plaintext(64)
	subsamples := []protection.SubsampleEntry{
		{ClearBytes: 4, EncryptedBytes: 12},
		{ClearBytes: 8, EncryptedBytes: 40},
	}

	encrypted := append([]byte(nil), plain...)
	if err := decryptCTRContinuous(block, append([]byte(nil), testIV...), encrypted, subsamples); err != nil {
		t.Fatalf("encrypt step failed: %v", err)
	}
	if bytes.Equal(encrypted, plain) {
		t.Fatal("encryption step did not change any bytes")
	}

	decrypted := append([]byte(nil), encrypted...)
	if err := decryptCTRContinuous(block, append([]byte(nil), testIV...), decrypted, subsamples); err != nil {
		t.Fatalf("decrypt step failed: %v", err)
	}
	if !bytes.Equal(decrypted, plain) {
		t.Fatalf("round trip mismatch: got %x want %x", decrypted, plain)
	}

	// Clear ranges must never have moved.
	if !bytes.Equal(encrypted[0:4], plain[0:4]) {
		t.Fatal("first clear range was modified")
	}
	if !bytes.Equal(encrypted[16:24], plain[16:24]) {
		t.Fatal("second clear range was modified")
	}
}

func TestDecryptCTRContinuousSubsampleMismatch(t *testing.T) {
	block, _ := aes.NewCipher(testKey)
	sample := plaintext(8)
	subsamples := []protection.SubsampleEntry{{ClearBytes: 0, EncryptedBytes: 100}}
	if err := decryptCTRContinuous(block, append([]byte(nil), testIV...), sample, subsamples); err == nil {
		t.Fatal("expected an error for an out-of-range subsample")
	}
}

func TestDecryptCBCNoPatternRoundTrip(t *testing.T) {
	block, err := aes.NewCipher(testKey)
	if err != nil {
		t.Fatal(err)
	}
	plain := plaintext(48) // three whole AES blocks

	encrypted := append([]byte(nil), plain...)
	ivCopy := append([]byte(nil), testIV...)
	mode := cipher.NewCBCEncrypter(block, ivCopy)
	mode.CryptBlocks(encrypted, encrypted)

	decrypted := append([]byte(nil), encrypted...)
	if err := decryptCBCNoPattern(block, append([]byte(nil), testIV...), decrypted, nil); err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plain) {
		t.Fatalf("cbc1 round trip mismatch: got %x want %x", decrypted, plain)
	}
}

func TestDecryptCBCNoPatternTrailingBytesUntouched(t *testing.T) {
	block, _ := aes.NewCipher(testKey)
	plain := plaintext(40) // two whole blocks + 8 trailing bytes
	whole := 32

	encrypted := append([]byte(nil), plain...)
	ivCopy := append([]byte(nil), testIV...)
	mode := cipher.NewCBCEncrypter(block, ivCopy)
	mode.CryptBlocks(encrypted[:whole], encrypted[:whole])

	decrypted := append([]byte(nil), encrypted...)
	if err := decryptCBCNoPattern(block, append([]byte(nil), testIV...), decrypted, nil); err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plain) {
		t.Fatalf("round trip mismatch: got %x want %x", decrypted, plain)
	}
	if !bytes.Equal(decrypted[whole:], plain[whole:]) {
		t.Fatal("trailing partial-block bytes were modified")
	}
}

func TestDecryptCBCSPatternRoundTrip(t *testing.T) {
	block, err := aes.NewCipher(testKey)
	if err != nil {
		t.Fatal(err)
	}
	// 1 crypt block : 9 skip blocks over 160 bytes (10 blocks).
	plain := plaintext(160)

	encrypted := append([]byte(nil), plain...)
	if err := cbcsEncryptForTest(block, testIV, encrypted, 1, 9); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(encrypted, plain) {
		t.Fatal("cbcs encryption step did not change any bytes")
	}

	decrypted := append([]byte(nil), encrypted...)
	if err := decryptCBCSPattern(block, append([]byte(nil), testIV...), decrypted, nil, 1, 9); err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plain) {
		t.Fatalf("cbcs round trip mismatch: got %x want %x", decrypted, plain)
	}

	// Bytes 16..160 (blocks 1-9) fall in the skip region of the first
	// cycle and must be untouched ciphertext==plaintext.
	if !bytes.Equal(encrypted[16:160], plain[16:160]) {
		t.Fatal("skip region was encrypted")
	}
}

// cbcsEncryptForTest mirrors cbcsDecryptRun's block walk but encrypts,
// used only to produce a known-good ciphertext fixture for the round
// trip test above. The CBC cipher is seeded once per run and reused
// across crypt groups, matching the continuous-chaining fix.
func cbcsEncryptForTest(block cipher.Block, iv []byte, run []byte, cryptBlocks, skipBlocks int) error {
	n := len(run)
	ivCopy := append([]byte(nil), iv...)
	mode := cipher.NewCBCEncrypter(block, ivCopy)

	pos := 0
	for pos < n {
		cryptLen := cryptBlocks * aes.BlockSize
		if pos+cryptLen > n {
			cryptLen = (n - pos) - (n-pos)%aes.BlockSize
		}
		if cryptLen > 0 {
			mode.CryptBlocks(run[pos:pos+cryptLen], run[pos:pos+cryptLen])
			pos += cryptLen
		}
		skipLen := skipBlocks * aes.BlockSize
		if pos+skipLen > n {
			skipLen = n - pos
		}
		pos += skipLen
		if cryptLen == 0 && skipLen == 0 {
			break
		}
	}
	return nil
}

func TestDecryptCBCSPatternRoundTripMultiCycle(t *testing.T) {
	block, err := aes.NewCipher(testKey)
	if err != nil {
		t.Fatal(err)
	}
	// 1 crypt block : 9 skip blocks, 3 full cycles (480 bytes), with the
	// same 16-byte crypt-block plaintext repeated every cycle so a
	// per-group IV reset (the bug) and continuous chaining (the fix)
	// would disagree on the resulting ciphertext.
	plain := make([]byte, 480)
	cryptBlockPlain := plaintext(16)
	for cycle := 0; cycle < 3; cycle++ {
		copy(plain[cycle*160:], cryptBlockPlain)
	}

	encrypted := append([]byte(nil), plain...)
	if err := cbcsEncryptForTest(block, testIV, encrypted, 1, 9); err != nil {
		t.Fatal(err)
	}

	decrypted := append([]byte(nil), encrypted...)
	if err := decryptCBCSPattern(block, append([]byte(nil), testIV...), decrypted, nil, 1, 9); err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plain) {
		t.Fatalf("cbcs multi-cycle round trip mismatch: got %x want %x", decrypted, plain)
	}

	// Continuous chaining means each crypt group's ciphertext depends on
	// the previous crypt group's last ciphertext block, not just the
	// subsample IV, so identical plaintext blocks must still produce
	// different ciphertext across cycles.
	firstCryptBlock := encrypted[0:16]
	secondCryptBlock := encrypted[160:176]
	thirdCryptBlock := encrypted[320:336]
	if bytes.Equal(firstCryptBlock, secondCryptBlock) || bytes.Equal(secondCryptBlock, thirdCryptBlock) {
		t.Fatal("identical plaintext crypt blocks produced identical ciphertext across cycles; CBC chaining is not continuous across crypt groups")
	}
}

func TestCensStatePersistsAcrossSubsamples(t *testing.T) {
	block, err := aes.NewCipher(testKey)
	if err != nil {
		t.Fatal(err)
	}
	plain := plaintext(64)
	subsamples := []protection.SubsampleEntry{
		{ClearBytes: 0, EncryptedBytes: 32},
		{ClearBytes: 0, EncryptedBytes: 32},
	}

	encState := newCensState(block, append([]byte(nil), testIV...), 1, 9)
	encrypted := append([]byte(nil), plain...)
	if err := decryptCensPattern(encState, encrypted, subsamples); err != nil {
		t.Fatalf("encrypt step failed: %v", err)
	}

	decState := newCensState(block, append([]byte(nil), testIV...), 1, 9)
	decrypted := append([]byte(nil), encrypted...)
	if err := decryptCensPattern(decState, decrypted, subsamples); err != nil {
		t.Fatalf("decrypt step failed: %v", err)
	}
	if !bytes.Equal(decrypted, plain) {
		t.Fatalf("cens round trip mismatch: got %x want %x", decrypted, plain)
	}

	// With a 1:9 pattern the phase carries into the second subsample, so
	// its first block (pattern position 2) is a skip block and stays clear.
	if !bytes.Equal(encrypted[32:48], plain[32:48]) {
		t.Fatal("pattern phase was reset at the subsample boundary")
	}
}

func TestBuilderRequiresAtLeastOneKey(t *testing.T) {
	_, err := NewBuilder().Build()
	if err == nil {
		t.Fatal("expected an error building with no keys")
	}
}

func TestBuilderRejectsMalformedKey(t *testing.T) {
	tests := []struct {
		name string
		kid  string
		key  string
	}{
		{"short key", "00112233445566778899aabbccddeeff", "00112233"},
		{"non-hex key", "00112233445566778899aabbccddeeff", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"},
		{"short kid", "0011", "00112233445566778899aabbccddeeff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder().Key(tt.kid, tt.key).Build()
			if err == nil {
				t.Fatalf("expected an error for %s", tt.name)
			}
		})
	}
}

func TestBuilderInitMp4ffRejectsGarbage(t *testing.T) {
	_, err := NewBuilder().
		Key("00112233445566778899aabbccddeeff", "00112233445566778899aabbccddeeff").
		InitMp4ff([]byte("not an mp4 file")).
		Build()
	if err == nil {
		t.Fatal("expected an error decoding a non-MP4 buffer via mp4ff")
	}
}

func TestBuilderAcceptsDashedKID(t *testing.T) {
	d, err := NewBuilder().
		Key("00112233-4455-6677-8899-aabbccddeeff", "00112233445566778899aabbccddeeff").
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil {
		t.Fatal("expected a non-nil Decryptor")
	}
}
