package pipeline

import (
	"encoding/binary"
	"io"
	"os"
)

// DurationProber measures a video file's duration in seconds.
type DurationProber interface {
	Probe(path string) (float64, error)
}

// MP4Prober reads the duration from an MP4/MOV container's movie
// header without decoding any media. Probing is best-effort; callers
// treat a zero duration as unknown.
type MP4Prober struct{}

// probeReadLimit bounds how far into the container the prober scans
// for the movie header. moov usually sits near one end of the file.
const probeReadLimit = 32 << 20

// Probe walks the top-level box structure looking for moov/mvhd.
func (MP4Prober) Probe(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	var offset int64
	for offset < info.Size() && offset < probeReadLimit {
		size, boxType, headerLen, err := readBoxHeader(f, offset)
		if err != nil {
			return 0, err
		}
		if boxType == "moov" {
			return findMovieHeader(f, offset+headerLen, offset+size)
		}
		if size <= 0 {
			break
		}
		offset += size
	}
	return 0, io.ErrUnexpectedEOF
}

func readBoxHeader(f *os.File, offset int64) (size int64, boxType string, headerLen int64, err error) {
	var hdr [8]byte
	if _, err = f.ReadAt(hdr[:], offset); err != nil {
		return 0, "", 0, err
	}
	size = int64(binary.BigEndian.Uint32(hdr[:4]))
	boxType = string(hdr[4:8])
	headerLen = 8
	if size == 1 {
		// 64-bit extended size.
		var ext [8]byte
		if _, err = f.ReadAt(ext[:], offset+8); err != nil {
			return 0, "", 0, err
		}
		size = int64(binary.BigEndian.Uint64(ext[:]))
		headerLen = 16
	}
	return size, boxType, headerLen, nil
}

// findMovieHeader scans the moov children for mvhd and divides its
// duration by its timescale.
func findMovieHeader(f *os.File, start, end int64) (float64, error) {
	offset := start
	for offset < end {
		size, boxType, headerLen, err := readBoxHeader(f, offset)
		if err != nil {
			return 0, err
		}
		if boxType == "mvhd" {
			var version [1]byte
			if _, err := f.ReadAt(version[:], offset+headerLen); err != nil {
				return 0, err
			}
			if version[0] == 1 {
				var body [32]byte // version+flags, ctime, mtime, timescale, duration
				if _, err := f.ReadAt(body[:], offset+headerLen); err != nil {
					return 0, err
				}
				timescale := binary.BigEndian.Uint32(body[20:24])
				duration := binary.BigEndian.Uint64(body[24:32])
				if timescale == 0 {
					return 0, nil
				}
				return float64(duration) / float64(timescale), nil
			}
			var body [20]byte // version+flags, ctime, mtime, timescale, duration
			if _, err := f.ReadAt(body[:], offset+headerLen); err != nil {
				return 0, err
			}
			timescale := binary.BigEndian.Uint32(body[12:16])
			duration := binary.BigEndian.Uint32(body[16:20])
			if timescale == 0 {
				return 0, nil
			}
			return float64(duration) / float64(timescale), nil
		}
		if size <= 0 {
			break
		}
		offset += size
	}
	return 0, io.ErrUnexpectedEOF
}
