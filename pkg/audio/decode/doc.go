// ABOUTME: Audio decoder package for the MPEG audio decode path
// ABOUTME: Provides the layer I/II and layer III decoders and 16-bit requantizers
// Package decode turns MPEG audio frames into 16-bit PCM for outputs that
// cannot take the compressed stream.
//
// MPEG is a streaming go-mp3 decoder for layer III. MP2 decodes layers I
// and II one frame at a time. Both output int32 samples left-justified in
// 24-bit range. A Requantizer (Round or Dither) reduces them to 16 bits.
//
// Example:
//
//	dec, err := decode.NewMP2(format)
//	samples, err := dec.Decode(frame)
//	q := decode.NewDither()
//	pcm16 := q.Sample(samples[0])
package decode
