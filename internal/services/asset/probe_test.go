package asset

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"feedstream/internal/domain"
)

// box builds a well-formed ISO BMFF box with a 32-bit size header.
func box(boxType string, payloads ...[]byte) []byte {
	size := 8
	for _, p := range payloads {
		size += len(p)
	}
	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint32(out, uint32(size))
	out = append(out, boxType...)
	for _, p := range payloads {
		out = append(out, p...)
	}
	return out
}

func mvhdV0(timescale, duration uint32) []byte {
	body := make([]byte, 24)
	binary.BigEndian.PutUint32(body[12:16], timescale)
	binary.BigEndian.PutUint32(body[16:20], duration)
	return box("mvhd", body)
}

func mvhdV1(timescale uint32, duration uint64) []byte {
	body := make([]byte, 32)
	body[0] = 1
	binary.BigEndian.PutUint32(body[20:24], timescale)
	binary.BigEndian.PutUint64(body[24:32], duration)
	return box("mvhd", body)
}

func hdlrBox(handler string) []byte {
	body := make([]byte, 12)
	copy(body[8:12], handler)
	return box("hdlr", body)
}

func stsdBox(codec string) []byte {
	body := make([]byte, 16)
	binary.BigEndian.PutUint32(body[4:8], 1)
	copy(body[12:16], codec)
	return box("stsd", body)
}

func trakBox(handler, codec string) []byte {
	stbl := box("stbl", stsdBox(codec))
	minf := box("minf", stbl)
	mdia := box("mdia", hdlrBox(handler), minf)
	return box("trak", mdia)
}

func ftypBox() []byte {
	return box("ftyp", []byte("isom"), make([]byte, 8))
}

// partialBox emits a box header claiming totalSize bytes but only the header
// itself, simulating a download cut mid-box.
func partialBox(boxType string, totalSize uint32) []byte {
	out := make([]byte, 0, 8)
	out = binary.BigEndian.AppendUint32(out, totalSize)
	out = append(out, boxType...)
	return out
}

func validMP4(duration time.Duration) []byte {
	ts := uint32(1000)
	moov := box("moov",
		mvhdV0(ts, uint32(duration.Milliseconds())),
		trakBox("vide", "avc1"),
		trakBox("soun", "mp4a"),
	)
	mdat := box("mdat", make([]byte, 256))
	buf := append(ftypBox(), moov...)
	return append(buf, mdat...)
}

func TestProbeMP4ParsesMetadata(t *testing.T) {
	res, err := ProbeMP4(validMP4(12 * time.Second))
	if err != nil {
		t.Fatalf("ProbeMP4: %v", err)
	}
	if res.Duration != 12*time.Second {
		t.Errorf("duration = %v, want 12s", res.Duration)
	}
	if len(res.Tracks) != 2 {
		t.Fatalf("tracks = %d, want 2", len(res.Tracks))
	}
	if res.Tracks[0].Kind != domain.TrackVideo || res.Tracks[0].Codec != "avc1" {
		t.Errorf("track 0 = %+v, want video/avc1", res.Tracks[0])
	}
	if res.Tracks[1].Kind != domain.TrackAudio || res.Tracks[1].Codec != "mp4a" {
		t.Errorf("track 1 = %+v, want audio/mp4a", res.Tracks[1])
	}
	if res.Truncated {
		t.Error("complete buffer reported truncated")
	}
}

func TestProbeMP4Version1MovieHeader(t *testing.T) {
	moov := box("moov", mvhdV1(90000, 90000*7), trakBox("vide", "hvc1"))
	buf := append(ftypBox(), moov...)

	res, err := ProbeMP4(buf)
	if err != nil {
		t.Fatalf("ProbeMP4: %v", err)
	}
	if res.Duration != 7*time.Second {
		t.Errorf("duration = %v, want 7s", res.Duration)
	}
}

func TestProbeMP4TruncatedTrailingData(t *testing.T) {
	moov := box("moov", mvhdV0(1000, 5000), trakBox("vide", "avc1"))
	buf := append(ftypBox(), moov...)
	// mdat claims far more bytes than the buffer holds.
	buf = append(buf, partialBox("mdat", 1<<20)...)

	res, err := ProbeMP4(buf)
	if err != nil {
		t.Fatalf("ProbeMP4: %v", err)
	}
	if !res.Truncated {
		t.Error("buffer cut inside mdat not reported truncated")
	}
	if res.Duration != 5*time.Second {
		t.Errorf("duration = %v, want 5s", res.Duration)
	}
}

func TestProbeMP4TruncatedMoov(t *testing.T) {
	buf := append(ftypBox(), partialBox("moov", 4096)...)

	_, err := ProbeMP4(buf)
	if !errors.Is(err, ErrTruncatedBox) {
		t.Fatalf("err = %v, want ErrTruncatedBox", err)
	}
}

func TestProbeMP4NoMovieHeader(t *testing.T) {
	buf := append(ftypBox(), box("mdat", make([]byte, 64))...)

	_, err := ProbeMP4(buf)
	if !errors.Is(err, ErrNoMovieHeader) {
		t.Fatalf("err = %v, want ErrNoMovieHeader", err)
	}
}

func TestProbeMP4MoovPastProbeWindow(t *testing.T) {
	// Non-faststart layout: the mdat precedes moov and extends past the
	// buffer, so the probe window never reaches the metadata.
	buf := append(ftypBox(), partialBox("mdat", 1<<30)...)

	_, err := ProbeMP4(buf)
	if !errors.Is(err, ErrNoMovieHeader) {
		t.Fatalf("err = %v, want ErrNoMovieHeader", err)
	}
}

func TestProbeMP4LargesizeBox(t *testing.T) {
	moov := box("moov", mvhdV0(600, 600*3), trakBox("vide", "avc1"))

	// free box with a 64-bit largesize header preceding moov.
	payload := make([]byte, 24)
	free := make([]byte, 0, 16+len(payload))
	free = binary.BigEndian.AppendUint32(free, 1)
	free = append(free, "free"...)
	free = binary.BigEndian.AppendUint64(free, uint64(16+len(payload)))
	free = append(free, payload...)

	buf := append(ftypBox(), free...)
	buf = append(buf, moov...)

	res, err := ProbeMP4(buf)
	if err != nil {
		t.Fatalf("ProbeMP4: %v", err)
	}
	if res.Duration != 3*time.Second {
		t.Errorf("duration = %v, want 3s", res.Duration)
	}
}

func TestProbeMP4RejectsZeroTimescale(t *testing.T) {
	moov := box("moov", mvhdV0(0, 1000))
	buf := append(ftypBox(), moov...)

	if _, err := ProbeMP4(buf); err == nil {
		t.Fatal("zero timescale accepted")
	}
}
