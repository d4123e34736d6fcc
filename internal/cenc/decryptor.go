package cenc

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"

	"github.com/arcflux/arcflux/internal/isobmff"
	"github.com/arcflux/arcflux/internal/mp4err"
	"github.com/arcflux/arcflux/internal/protection"
)

// Decryptor holds an immutable KID->KEY map and, optionally, cached
// init-segment protection metadata. It is safe for concurrent use:
// every field is read-only after Build, and Decrypt allocates a fresh
// output buffer per call, matching the teacher's worker-pool model
// where each segment is decrypted independently on its own goroutine.
type Decryptor struct {
	keys         map[[16]byte][16]byte
	trackProtect map[uint32]*protection.TrackProtection
	mediaHeaders map[uint32]*protection.MediaHeader
}

// Decrypt returns a new buffer of identical size to segment with every
// mdat's sample data decrypted in place. If init is non-nil its
// protection metadata is (re-)extracted and used instead of whatever
// was cached at Build time; otherwise the cached metadata is required.
func (d *Decryptor) Decrypt(segment []byte, init []byte) ([]byte, error) {
	trackProtect := d.trackProtect
	if init != nil {
		tp, _, err := protection.ExtractInit(init)
		if err != nil {
			return nil, err
		}
		trackProtect = tp
	}
	if trackProtect == nil {
		return nil, mp4err.New(mp4err.InvalidFormat, "Decrypt", "", "no protection metadata available; call Builder.Init or pass init bytes")
	}

	ivSizeByTrack := make(map[uint32]int, len(trackProtect))
	for id, tp := range trackProtect {
		ivSizeByTrack[id] = int(tp.PerSampleIVSize)
	}

	out := make([]byte, len(segment))
	copy(out, segment)

	type pendingMoof struct {
		start int
		end   int
	}
	var pending *pendingMoof

	err := isobmff.WalkTopLevel(out, func(h isobmff.BoxHeader) error {
		switch h.TagString {
		case "moof":
			pending = &pendingMoof{start: h.Start, end: h.Start + int(h.Size)}
		case "mdat":
			if pending == nil {
				return nil // mdat with no preceding moof: not a protected fragment, leave as-is
			}
			moofBytes := out[pending.start:pending.end]
			mf, err := protection.ParseMoof(moofBytes, int64(pending.start), ivSizeByTrack)
			pending = nil
			if err != nil {
				return err
			}
			return d.decryptFragment(out, mf, trackProtect)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// decryptFragment decrypts every sample of every traf in mf, writing
// the result back into buf (the full segment buffer) in place.
func (d *Decryptor) decryptFragment(buf []byte, mf *protection.MovieFragment, trackProtect map[uint32]*protection.TrackProtection) error {
	for _, traf := range mf.Tracks {
		if traf.Tfhd == nil || traf.Trun == nil {
			continue
		}
		tp := trackProtect[traf.TrackID]
		if tp == nil || !tp.IsProtected {
			continue
		}

		kidHex := tp.KIDHex()
		key, ok := d.keys[tp.DefaultKID]
		if !ok {
			return mp4err.New(mp4err.KeyNotFound, "Decrypt", "", "no key for track's default KID").WithKID(kidHex)
		}
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return mp4err.Wrap(mp4err.InvalidKeySize, "Decrypt", err)
		}

		base := int64(mf.Start)
		if traf.Tfhd.BaseDataOffset != nil {
			base += int64(*traf.Tfhd.BaseDataOffset)
		}
		if traf.Trun.DataOffset != nil {
			base += int64(*traf.Trun.DataOffset)
		}

		offset := int(base)
		cens := newCensState(block, nil, int(tp.CryptByteBlock), int(tp.SkipByteBlock))

		for i, sample := range traf.Trun.Samples {
			size := resolveSampleSize(sample, traf.Tfhd)
			if offset < 0 || offset+int(size) > len(buf) {
				return mp4err.New(mp4err.InvalidFormat, "Decrypt", "", "sample range exceeds buffer").WithKID(kidHex)
			}
			sampleBytes := buf[offset : offset+int(size)]

			iv := sampleIV(traf, tp, i)
			if len(iv) == 0 {
				offset += int(size)
				continue // unprotected sample (no IV available)
			}

			var subsamples []protection.SubsampleEntry
			if traf.Senc != nil && i < len(traf.Senc.Samples) {
				subsamples = traf.Senc.Samples[i].Subsamples
			}

			if err := decryptSample(tp.Scheme, block, iv, sampleBytes, subsamples, int(tp.CryptByteBlock), int(tp.SkipByteBlock), cens); err != nil {
				return mp4err.Wrap(mp4err.InvalidFormat, "Decrypt", err).WithKID(kidHex)
			}

			offset += int(size)
		}
	}
	return nil
}

func resolveSampleSize(sample protection.TrunSample, tfhd *protection.TrackFragmentHeader) uint32 {
	if sample.Size != nil {
		return *sample.Size
	}
	if tfhd.DefaultSampleSize != nil {
		return *tfhd.DefaultSampleSize
	}
	return 0
}

func sampleIV(traf *protection.TrackFragment, tp *protection.TrackProtection, sampleIndex int) []byte {
	if traf.Senc != nil && sampleIndex < len(traf.Senc.Samples) {
		iv := traf.Senc.Samples[sampleIndex].IV
		if len(iv) > 0 {
			return padIV(iv)
		}
	}
	if len(tp.ConstantIV) > 0 {
		return padIV(tp.ConstantIV)
	}
	return nil
}

func padIV(iv []byte) []byte {
	if len(iv) == 16 {
		out := make([]byte, 16)
		copy(out, iv)
		return out
	}
	out := make([]byte, 16)
	copy(out, iv) // left-aligned, trailing zeros form the initial CTR counter per the specification
	return out
}

// decryptSample dispatches to the scheme-specific engine for one
// sample, either whole (no subsamples) or split across its subsample
// clear/encrypted ranges.
func decryptSample(scheme protection.Scheme, block cipher.Block, iv []byte, sample []byte, subsamples []protection.SubsampleEntry, cryptBlocks, skipBlocks int, cens *censState) error {
	switch scheme {
	case protection.SchemeCenc, "":
		return decryptCTRContinuous(block, iv, sample, subsamples)
	case protection.SchemeCens:
		cens.reseedIV(iv)
		return decryptCensPattern(cens, sample, subsamples)
	case protection.SchemeCbc1:
		return decryptCBCNoPattern(block, iv, sample, subsamples)
	case protection.SchemeCbcs:
		return decryptCBCSPattern(block, iv, sample, subsamples, cryptBlocks, skipBlocks)
	default:
		return mp4err.New(mp4err.UnsupportedScheme, "decryptSample", string(scheme), "")
	}
}

// decryptCTRContinuous implements cenc: a single CTR keystream spans
// the whole sample, only consumed for encrypted ranges, so the
// counter naturally keeps its place across subsample boundaries.
func decryptCTRContinuous(block cipher.Block, iv []byte, sample []byte, subsamples []protection.SubsampleEntry) error {
	stream := cipher.NewCTR(block, iv)

	if len(subsamples) == 0 {
		stream.XORKeyStream(sample, sample)
		return nil
	}

	offset := 0
	for _, sub := range subsamples {
		offset += int(sub.ClearBytes)
		end := offset + int(sub.EncryptedBytes)
		if end > len(sample) {
			return mp4err.New(mp4err.SubsampleMismatch, "decryptCTRContinuous", "", "subsample range exceeds sample size")
		}
		stream.XORKeyStream(sample[offset:end], sample[offset:end])
		offset = end
	}
	return nil
}

// decryptCBCNoPattern implements cbc1: each encrypted subsample run is
// CBC-decrypted independently under the sample IV; any trailing bytes
// shorter than one AES block are passed through unchanged.
func decryptCBCNoPattern(block cipher.Block, iv []byte, sample []byte, subsamples []protection.SubsampleEntry) error {
	if len(subsamples) == 0 {
		return cbcDecryptRun(block, iv, sample)
	}
	offset := 0
	for _, sub := range subsamples {
		offset += int(sub.ClearBytes)
		end := offset + int(sub.EncryptedBytes)
		if end > len(sample) {
			return mp4err.New(mp4err.SubsampleMismatch, "decryptCBCNoPattern", "", "subsample range exceeds sample size")
		}
		if err := cbcDecryptRun(block, iv, sample[offset:end]); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

func cbcDecryptRun(block cipher.Block, iv []byte, run []byte) error {
	full := len(run) - len(run)%aes.BlockSize
	if full == 0 {
		return nil
	}
	ivCopy := make([]byte, 16)
	copy(ivCopy, iv)
	mode := cipher.NewCBCDecrypter(block, ivCopy)
	mode.CryptBlocks(run[:full], run[:full])
	return nil
}

// decryptCBCSPattern implements cbcs: within each encrypted run, decrypt
// crypt_byte_block*16 bytes under CBC, then pass through
// skip_byte_block*16 bytes, repeating. The CBC cipher is seeded with
// the subsample IV once per run; chaining then carries continuously
// from one crypt group's last ciphertext block into the next (skip
// blocks bypass the cipher entirely and don't perturb the chain),
// matching Bento4/Shaka's cbcs semantics.
func decryptCBCSPattern(block cipher.Block, iv []byte, sample []byte, subsamples []protection.SubsampleEntry, cryptBlocks, skipBlocks int) error {
	if cryptBlocks <= 0 {
		cryptBlocks = 1
	}
	if len(subsamples) == 0 {
		return cbcsDecryptRun(block, iv, sample, cryptBlocks, skipBlocks)
	}
	offset := 0
	for _, sub := range subsamples {
		offset += int(sub.ClearBytes)
		end := offset + int(sub.EncryptedBytes)
		if end > len(sample) {
			return mp4err.New(mp4err.SubsampleMismatch, "decryptCBCSPattern", "", "subsample range exceeds sample size")
		}
		if err := cbcsDecryptRun(block, iv, sample[offset:end], cryptBlocks, skipBlocks); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

func cbcsDecryptRun(block cipher.Block, iv []byte, run []byte, cryptBlocks, skipBlocks int) error {
	n := len(run)
	ivCopy := make([]byte, 16)
	copy(ivCopy, iv)
	mode := cipher.NewCBCDecrypter(block, ivCopy)

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
			break // remaining bytes are a sub-block trailer; leave untouched
		}
	}
	return nil
}

// censState carries the CENS (AES-CTR with pattern) counter and phase
// position across an entire sample: the specification requires the
// pattern to persist across subsample boundaries, resetting only at
// the start of each new sample.
type censState struct {
	block       cipher.Block
	counter     []byte
	phase       int
	crypt, skip int
}

func newCensState(block cipher.Block, iv []byte, crypt, skip int) *censState {
	s := &censState{block: block, crypt: crypt, skip: skip, counter: make([]byte, 16)}
	if iv != nil {
		s.reseedIV(iv)
	}
	return s
}

// reseedIV resets the running CTR counter and pattern phase to the
// start of a new sample.
func (s *censState) reseedIV(iv []byte) {
	copy(s.counter, iv)
	s.phase = 0
}

func decryptCensPattern(s *censState, sample []byte, subsamples []protection.SubsampleEntry) error {
	if len(subsamples) == 0 {
		s.processRun(sample)
		return nil
	}
	offset := 0
	for _, sub := range subsamples {
		offset += int(sub.ClearBytes)
		end := offset + int(sub.EncryptedBytes)
		if end > len(sample) {
			return mp4err.New(mp4err.SubsampleMismatch, "decryptCensPattern", "", "subsample range exceeds sample size")
		}
		s.processRun(sample[offset:end])
		offset = end
	}
	return nil
}

// processRun advances the running CTR counter and pattern phase block
// by block across run, XORing only blocks that fall in the "crypt"
// portion of the pattern. A trailing partial block is passed through.
func (s *censState) processRun(run []byte) {
	cycle := s.crypt + s.skip
	pos := 0
	for pos+16 <= len(run) {
		isCrypt := cycle == 0 || s.phase < s.crypt
		if isCrypt {
			ks := make([]byte, 16)
			s.block.Encrypt(ks, s.counter)
			for i := 0; i < 16; i++ {
				run[pos+i] ^= ks[i]
			}
		}
		incrementCounter(s.counter, 1)
		if cycle > 0 {
			s.phase = (s.phase + 1) % cycle
		}
		pos += 16
	}
}

// incrementCounter increments a 16-byte big-endian CTR counter by n
// blocks, matching the teacher's incrementIV.
func incrementCounter(counter []byte, n int) {
	for i := 0; i < n; i++ {
		for j := len(counter) - 1; j >= 0; j-- {
			counter[j]++
			if counter[j] != 0 {
				break
			}
		}
	}
}

// KIDHex is a small convenience re-export so callers building error
// messages or logs never need to hex-encode a KID themselves (and,
// relatedly, are never tempted to hex-encode a key).
func KIDHex(kid [16]byte) string { return hex.EncodeToString(kid[:]) }
