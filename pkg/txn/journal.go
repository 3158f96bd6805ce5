// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package txn

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// RecordType tags one journal record. The set below is the minimum needed
// to reconstruct, for every package touched by a transaction, how far its
// lifecycle progressed before the process stopped (spec.md §4.4).
type RecordType byte

const (
	RecStart RecordType = iota + 1
	RecFinish
	RecUnpacked  // Package, StagingDir
	RecChecked   // Package
	RecMoved     // Package -- incoming files merged into root
	RecRemoved   // Package -- outgoing files deleted from root
	RecScripts   // Package, Phase, ExitCode
	RecCleaned   // Package
	RecDBUpdated // Package, NewState -- pkgdb.Save committed
)

// Record is one journal entry: a type tag plus its ordered parameters,
// each parameter a length-prefixed byte string.
type Record struct {
	Type   RecordType
	Params [][]byte
}

// frame layout: type(1) | param_count(1) | checksum(2) | payload_length(4)
// | payload | checksum(2)
//
// payload is the concatenation of each parameter as a 4-byte big-endian
// length prefix followed by its bytes. The two checksum words bracket the
// payload and must agree for the record to be considered committed; a
// record whose trailing checksum is missing or mismatched was interrupted
// mid-write and is discarded along with everything after it.
func foldChecksum(payloadLen uint32) uint16 {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, payloadLen)
	return uint16(b[0])<<8 | uint16(b[1]) ^ (uint16(b[2])<<8 | uint16(b[3]))
}

func encodeRecord(rec Record) []byte {
	var payload []byte
	for _, p := range rec.Params {
		lb := make([]byte, 4)
		binary.BigEndian.PutUint32(lb, uint32(len(p)))
		payload = append(payload, lb...)
		payload = append(payload, p...)
	}
	checksum := foldChecksum(uint32(len(payload)))

	out := make([]byte, 0, 1+1+2+4+len(payload)+2)
	out = append(out, byte(rec.Type), byte(len(rec.Params)))
	out = appendUint16(out, checksum)
	out = appendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	out = appendUint16(out, checksum)
	return out
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// errTruncatedRecord is returned internally by decodeRecord when fewer
// bytes remain than the frame declares; callers treat it as end-of-log.
var errTruncatedRecord = errors.New("truncated journal record")

// decodeRecord reads one record from r, returning (nil, io.EOF) at a
// clean end of stream and (nil, errTruncatedRecord) when a record was
// only partially written.
func decodeRecord(r io.Reader) (*Record, error) {
	header := make([]byte, 8)
	n, err := io.ReadFull(r, header)
	if err == io.EOF && n == 0 {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errTruncatedRecord
	}
	typ := RecordType(header[0])
	paramCount := int(header[1])
	leadChecksum := uint16(header[2])<<8 | uint16(header[3])
	payloadLen := binary.BigEndian.Uint32(header[4:8])

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errTruncatedRecord
	}
	trailer := make([]byte, 2)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return nil, errTruncatedRecord
	}
	trailChecksum := uint16(trailer[0])<<8 | uint16(trailer[1])

	want := foldChecksum(payloadLen)
	if leadChecksum != want || trailChecksum != want {
		return nil, errTruncatedRecord
	}

	params := make([][]byte, 0, paramCount)
	rest := payload
	for i := 0; i < paramCount; i++ {
		if len(rest) < 4 {
			return nil, errTruncatedRecord
		}
		l := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < l {
			return nil, errTruncatedRecord
		}
		params = append(params, rest[:l])
		rest = rest[l:]
	}
	return &Record{Type: typ, Params: params}, nil
}

// Journal is the append-only transaction log at var/lib/opkg/journal.
type Journal struct {
	f *os.File
}

// OpenJournal opens (creating if necessary) the journal file at path for
// appending.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening journal")
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "seeking journal")
	}
	return &Journal{f: f}, nil
}

// Append writes rec and fsyncs before returning, so that a crash after
// Append returns never loses the record and a crash during Append never
// leaves a partially-written record that passes checksum validation.
func (j *Journal) Append(rec Record) error {
	if _, err := j.f.Write(encodeRecord(rec)); err != nil {
		return errors.Wrap(err, "writing journal record")
	}
	return errors.Wrap(j.f.Sync(), "syncing journal")
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	return j.f.Close()
}

// ReadRecords reads every valid record from path in order, stopping
// silently at the first truncated or corrupt record (treated as not
// committed) or at clean EOF. A missing file yields no records, no error.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening journal")
	}
	defer f.Close()

	var out []Record
	for {
		rec, err := decodeRecord(f)
		if err == io.EOF || err == errTruncatedRecord {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, *rec)
	}
}

// Truncate discards any bytes in the journal file past the last valid
// record, so that a subsequent Append starts from a clean frame boundary
// instead of appending after stray trailing garbage left by a crash.
func Truncate(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "opening journal")
	}
	defer f.Close()

	var offset int64
	for {
		start := offset
		rec, err := decodeRecord(f)
		if err == io.EOF || err == errTruncatedRecord {
			return errors.Wrap(f.Truncate(start), "truncating journal")
		}
		if err != nil {
			return err
		}
		_ = rec
		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		offset = pos
	}
}
