package asset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"feedstream/internal/domain"
)

// ErrTruncatedBox reports a probe buffer that ends inside the box needed to
// establish playback metadata. Symptomatic of a partially staged download.
var ErrTruncatedBox = errors.New("container box truncated in probe window")

// ErrNoMovieHeader reports a probe buffer with no moov box at all.
var ErrNoMovieHeader = errors.New("no movie header in probe window")

// ProbeResult is the minimal metadata required to start playback: the
// presentation duration and the track list.
type ProbeResult struct {
	Duration time.Duration
	Tracks   []domain.TrackInfo
	// Truncated marks a buffer whose trailing media data ends mid-box after
	// valid metadata was already established. Playback can begin; sample
	// reads past the buffered range hit the network.
	Truncated bool
}

// ProbeMP4 walks the top-level boxes of an ISO BMFF (MP4/M4V/MOV) buffer and
// extracts duration and tracks from the moov box. It never needs the whole
// file: callers fetch only the head of the resource and probe that.
func ProbeMP4(buf []byte) (ProbeResult, error) {
	var res ProbeResult
	sawMoov := false

	off := int64(0)
	n := int64(len(buf))
	for off+8 <= n {
		size, boxType, headerLen, err := readBoxHeader(buf[off:])
		if err != nil {
			return res, err
		}
		if size < headerLen {
			return res, fmt.Errorf("box %q has invalid size %d", boxType, size)
		}
		end := off + size
		if end > n {
			if boxType == "moov" {
				// The one box playback cannot start without.
				return res, ErrTruncatedBox
			}
			if sawMoov {
				res.Truncated = true
				return res, nil
			}
			// Buffer ran out before any moov: a non-faststart file whose
			// metadata lives past the probe window.
			return res, ErrNoMovieHeader
		}
		if boxType == "moov" {
			if err := parseMoov(buf[off+headerLen:end], &res); err != nil {
				return res, err
			}
			sawMoov = true
		}
		off = end
	}
	if !sawMoov {
		return res, ErrNoMovieHeader
	}
	if off < n {
		// Trailing partial header.
		res.Truncated = true
	}
	return res, nil
}

func readBoxHeader(b []byte) (size int64, boxType string, headerLen int64, err error) {
	if len(b) < 8 {
		return 0, "", 0, ErrTruncatedBox
	}
	size32 := binary.BigEndian.Uint32(b[0:4])
	boxType = string(b[4:8])
	switch size32 {
	case 0:
		// Box extends to end of file.
		return int64(len(b)), boxType, 8, nil
	case 1:
		if len(b) < 16 {
			return 0, "", 0, ErrTruncatedBox
		}
		return int64(binary.BigEndian.Uint64(b[8:16])), boxType, 16, nil
	default:
		return int64(size32), boxType, 8, nil
	}
}

func parseMoov(body []byte, res *ProbeResult) error {
	return walkBoxes(body, func(boxType string, inner []byte) error {
		switch boxType {
		case "mvhd":
			d, err := parseMvhd(inner)
			if err != nil {
				return err
			}
			res.Duration = d
		case "trak":
			track, ok := parseTrak(inner)
			if ok {
				res.Tracks = append(res.Tracks, track)
			}
		}
		return nil
	})
}

// walkBoxes iterates the direct children of a fully buffered container box.
func walkBoxes(body []byte, fn func(boxType string, inner []byte) error) error {
	off := int64(0)
	n := int64(len(body))
	for off+8 <= n {
		size, boxType, headerLen, err := readBoxHeader(body[off:])
		if err != nil {
			return err
		}
		if size < headerLen || off+size > n {
			return ErrTruncatedBox
		}
		if err := fn(boxType, body[off+headerLen:off+size]); err != nil {
			return err
		}
		off += size
	}
	return nil
}

func parseMvhd(b []byte) (time.Duration, error) {
	if len(b) < 4 {
		return 0, ErrTruncatedBox
	}
	version := b[0]
	var timescale, duration uint64
	switch version {
	case 1:
		if len(b) < 32 {
			return 0, ErrTruncatedBox
		}
		timescale = uint64(binary.BigEndian.Uint32(b[20:24]))
		duration = binary.BigEndian.Uint64(b[24:32])
	default:
		if len(b) < 24 {
			return 0, ErrTruncatedBox
		}
		timescale = uint64(binary.BigEndian.Uint32(b[12:16]))
		duration = uint64(binary.BigEndian.Uint32(b[16:20]))
	}
	if timescale == 0 {
		return 0, fmt.Errorf("mvhd timescale is zero")
	}
	return time.Duration(float64(duration) / float64(timescale) * float64(time.Second)), nil
}

func parseTrak(body []byte) (domain.TrackInfo, bool) {
	track := domain.TrackInfo{Kind: domain.TrackOther}
	found := false
	_ = walkBoxes(body, func(boxType string, inner []byte) error {
		if boxType != "mdia" {
			return nil
		}
		_ = walkBoxes(inner, func(mdiaChild string, mdiaInner []byte) error {
			switch mdiaChild {
			case "hdlr":
				if kind, ok := parseHdlr(mdiaInner); ok {
					track.Kind = kind
					found = true
				}
			case "minf":
				if codec, ok := findSampleCodec(mdiaInner); ok {
					track.Codec = codec
				}
			}
			return nil
		})
		return nil
	})
	return track, found
}

func parseHdlr(b []byte) (domain.TrackKind, bool) {
	// hdlr: version/flags (4), pre_defined (4), handler_type (4).
	if len(b) < 12 {
		return domain.TrackOther, false
	}
	switch string(b[8:12]) {
	case "vide":
		return domain.TrackVideo, true
	case "soun":
		return domain.TrackAudio, true
	default:
		return domain.TrackOther, true
	}
}

func findSampleCodec(minf []byte) (string, bool) {
	var codec string
	_ = walkBoxes(minf, func(boxType string, inner []byte) error {
		if boxType != "stbl" {
			return nil
		}
		_ = walkBoxes(inner, func(stblChild string, stblInner []byte) error {
			if stblChild != "stsd" {
				return nil
			}
			// stsd: version/flags (4), entry_count (4), then sample entries.
			if len(stblInner) >= 16 {
				codec = string(stblInner[12:16])
			}
			return nil
		})
		return nil
	})
	return codec, codec != ""
}
