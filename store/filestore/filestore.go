// Copyright 2014 Prometheus Team
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package filestore implements the file-backed storage dict (§4.2.1): one
// memory-mapped file per (pid, metric type) in a shared multiprocess
// directory, read lock-free by the collector.
package filestore

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/prometheus/multiproc-exporter/sid"
	"github.com/prometheus/multiproc-exporter/store"
)

const (
	headerSize  = 8 // watermark, little-endian u64
	initialSize = 1 << 20
)

// FileStore is the file-backed implementation of store.Dict. A FileStore
// instance is owned by one worker process; it writes only to its own
// per-metric-type files but reads (via ReadAll) every file in dir,
// including ones belonging to dead processes.
type FileStore struct {
	dir    string
	pid    int
	logger log.Logger

	mu    sync.Mutex // guards files and each procFile's index/used
	files map[sid.MetricType]*procFile
}

type procFile struct {
	path  string
	f     *os.File
	data  mmap.MMap
	index map[string]uint64 // encoded sid -> byte offset of its entry
	used  uint64
}

// New opens (or creates) the per-type files this process owns in dir.
func New(dir string, pid int, logger log.Logger) (*FileStore, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create multiproc dir: %w", err)
	}
	return &FileStore{
		dir:    dir,
		pid:    pid,
		logger: logger,
		files:  make(map[sid.MetricType]*procFile),
	}, nil
}

func fileName(mt sid.MetricType, pid int) string {
	return fmt.Sprintf("%s_%d.db", mt, pid)
}

// parseFileName recovers (metric type, pid) from a file base name, per §6
// "Keys are the output of encode_sid. Files are named {type}_{pid}.db."
func parseFileName(name string) (sid.MetricType, int, bool) {
	name = strings.TrimSuffix(name, ".db")
	idx := strings.LastIndex(name, "_")
	if idx < 0 {
		return "", 0, false
	}
	pid, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return sid.MetricType(name[:idx]), pid, true
}

func (fs *FileStore) ownFile(mt sid.MetricType) (*procFile, error) {
	if pf, ok := fs.files[mt]; ok {
		return pf, nil
	}
	path := filepath.Join(fs.dir, fileName(mt, fs.pid))
	pf, err := openOrCreate(path)
	if err != nil {
		return nil, err
	}
	fs.files[mt] = pf
	return pf, nil
}

func openOrCreate(path string) (*procFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	pf := &procFile{path: path, f: f, index: make(map[string]uint64)}
	if info.Size() == 0 {
		if err := f.Truncate(initialSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", store.ErrCapacityExceeded, err)
		}
		pf.used = headerSize
	}
	if err := pf.remap(); err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() != 0 {
		if err := pf.loadIndex(); err != nil {
			pf.data.Unmap()
			f.Close()
			return nil, err
		}
	} else {
		binary.LittleEndian.PutUint64(pf.data[:headerSize], pf.used)
	}
	return pf, nil
}

func (pf *procFile) remap() error {
	if pf.data != nil {
		pf.data.Unmap()
	}
	m, err := mmap.Map(pf.f, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	pf.data = m
	return nil
}

// loadIndex rebuilds the in-memory offset index by scanning every entry up
// to the stored watermark. Used on startup to recover an existing file.
func (pf *procFile) loadIndex() error {
	pf.used = binary.LittleEndian.Uint64(pf.data[:headerSize])
	off := uint64(headerSize)
	for off < pf.used {
		keyLen, key, next, ok := pf.readEntryHeader(off)
		if !ok || next > pf.used {
			break
		}
		_ = keyLen
		pf.index[string(key)] = off
		off = next
	}
	return nil
}

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// entrySize computes the total on-disk footprint of an entry with the
// given key length: u32 key_length | key_bytes | pad to 8 | f8 value | f8 ts.
func entrySize(keyLen int) uint64 {
	return align8(4+uint64(keyLen)) + 16
}

// readEntryHeader reads the key_length/key fields at off and returns the
// decoded key plus the offset of the entry immediately following it. ok is
// false if off is out of bounds or the header is truncated.
func (pf *procFile) readEntryHeader(off uint64) (keyLen uint32, key []byte, next uint64, ok bool) {
	if off+4 > uint64(len(pf.data)) {
		return 0, nil, 0, false
	}
	keyLen = binary.LittleEndian.Uint32(pf.data[off : off+4])
	start := off + 4
	if start+uint64(keyLen) > uint64(len(pf.data)) {
		return 0, nil, 0, false
	}
	key = append([]byte{}, pf.data[start:start+uint64(keyLen)]...)
	next = off + entrySize(int(keyLen))
	if next > uint64(len(pf.data)) {
		return 0, nil, 0, false
	}
	return keyLen, key, next, true
}

// WriteValue implements store.Dict.
func (fs *FileStore) WriteValue(mt sid.MetricType, _ sid.AggregationMode, encodedSID []byte, value, sampleTimestamp float64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	pf, err := fs.ownFile(mt)
	if err != nil {
		return err
	}
	return pf.write(encodedSID, value, sampleTimestamp)
}

func (pf *procFile) write(encodedSID []byte, value, sampleTimestamp float64) error {
	key := string(encodedSID)
	if off, ok := pf.index[key]; ok {
		_, _, entryEnd, ok := pf.readEntryHeader(off)
		if !ok {
			return store.ErrCorruptRecord
		}
		valOff := entryEnd - 16
		binary.LittleEndian.PutUint64(pf.data[valOff+8:valOff+16], math.Float64bits(sampleTimestamp))
		binary.LittleEndian.PutUint64(pf.data[valOff:valOff+8], math.Float64bits(value))
		return nil
	}

	need := entrySize(len(encodedSID))
	if err := pf.ensureCapacity(need); err != nil {
		return err
	}

	off := pf.used
	binary.LittleEndian.PutUint32(pf.data[off:off+4], uint32(len(encodedSID)))
	copy(pf.data[off+4:off+4+uint64(len(encodedSID))], encodedSID)
	valOff := off + align8(4+uint64(len(encodedSID)))
	binary.LittleEndian.PutUint64(pf.data[valOff:valOff+8], math.Float64bits(value))
	binary.LittleEndian.PutUint64(pf.data[valOff+8:valOff+16], math.Float64bits(sampleTimestamp))

	pf.index[key] = off
	pf.used = off + need
	binary.LittleEndian.PutUint64(pf.data[:headerSize], pf.used)
	return nil
}

func (pf *procFile) ensureCapacity(need uint64) error {
	if pf.used+need <= uint64(len(pf.data)) {
		return nil
	}
	newSize := uint64(len(pf.data))
	if newSize == 0 {
		newSize = initialSize
	}
	for pf.used+need > newSize {
		newSize *= 2
	}
	if err := pf.f.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("%w: %v", store.ErrCapacityExceeded, err)
	}
	return pf.remap()
}

// Compact rewrites a process's own files, dropping any stale index churn.
// Not called automatically; the manager may invoke it after a
// CapacityExceeded error, per spec §7.
func (fs *FileStore) Compact() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for mt, pf := range fs.files {
		if err := pf.compact(); err != nil {
			level.Error(fs.logger).Log("msg", "compaction failed", "type", mt, "err", err)
			return err
		}
	}
	return nil
}

func (pf *procFile) compact() error {
	tmpPath := pf.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := tmp.Truncate(int64(len(pf.data))); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	newData, err := mmap.Map(tmp, mmap.RDWR, 0)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	newUsed := uint64(headerSize)
	newIndex := make(map[string]uint64, len(pf.index))
	offsets := make([]uint64, 0, len(pf.index))
	for _, off := range pf.index {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for _, off := range offsets {
		keyLen, key, entryEnd, ok := pf.readEntryHeader(off)
		if !ok {
			continue
		}
		size := entrySize(int(keyLen))
		copy(newData[newUsed:newUsed+size], pf.data[off:entryEnd])
		newIndex[string(key)] = newUsed
		newUsed += size
	}
	binary.LittleEndian.PutUint64(newData[:headerSize], newUsed)
	if err := newData.Flush(); err != nil {
		newData.Unmap()
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	pf.data.Unmap()
	pf.f.Close()
	if err := os.Rename(tmpPath, pf.path); err != nil {
		return err
	}
	pf.f = tmp
	pf.data = newData
	pf.used = newUsed
	pf.index = newIndex
	return nil
}

// ReadValue implements store.Dict.
func (fs *FileStore) ReadValue(mt sid.MetricType, _ sid.AggregationMode, encodedSID []byte) (float64, float64, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	pf, err := fs.ownFile(mt)
	if err != nil {
		return 0, 0, false, err
	}
	off, ok := pf.index[string(encodedSID)]
	if !ok {
		return 0, 0, false, nil
	}
	_, _, entryEnd, ok := pf.readEntryHeader(off)
	if !ok {
		return 0, 0, false, store.ErrCorruptRecord
	}
	valOff := entryEnd - 16
	value := math.Float64frombits(binary.LittleEndian.Uint64(pf.data[valOff : valOff+8]))
	ts := math.Float64frombits(binary.LittleEndian.Uint64(pf.data[valOff+8 : valOff+16]))
	return value, ts, true, nil
}

// ReadAll implements store.Dict. It opens every {type}_{pid}.db file in
// the multiprocess directory (including ones written by other, possibly
// dead, processes) read-only and iterates lock-free: it snapshots the
// watermark once, then only visits entries fully contained below it, so a
// writer growing or appending concurrently never produces a torn read.
func (fs *FileStore) ReadAll(ctx context.Context, fn func(store.Record) error) error {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		mt, pid, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		if err := fs.readFile(ctx, filepath.Join(fs.dir, e.Name()), mt, pid, fn); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FileStore) readFile(ctx context.Context, path string, mt sid.MetricType, pid int, fn func(store.Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // purged mid-scan
		}
		level.Warn(fs.logger).Log("msg", "could not open metric file", "path", path, "err", err)
		return nil
	}
	defer f.Close()

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		level.Warn(fs.logger).Log("msg", "could not map metric file", "path", path, "err", err)
		return nil
	}
	defer data.Unmap()

	if len(data) < headerSize {
		return nil
	}
	watermark := binary.LittleEndian.Uint64(data[:headerSize])
	if watermark > uint64(len(data)) {
		watermark = uint64(len(data))
	}

	off := uint64(headerSize)
	for off < watermark {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if off+4 > watermark {
			break
		}
		keyLen := binary.LittleEndian.Uint32(data[off : off+4])
		start := off + 4
		size := entrySize(int(keyLen))
		entryEnd := off + size
		if entryEnd > watermark {
			break // torn tail: growth or append raced the watermark snapshot
		}
		encodedSID := append([]byte{}, data[start:start+uint64(keyLen)]...)
		valOff := entryEnd - 16
		value := math.Float64frombits(binary.LittleEndian.Uint64(data[valOff : valOff+8]))
		ts := math.Float64frombits(binary.LittleEndian.Uint64(data[valOff+8 : valOff+16]))

		rec := store.Record{
			PID:             pid,
			MetricType:      mt,
			EncodedSID:      encodedSID,
			Value:           value,
			SampleTimestamp: ts,
		}
		if err := fn(rec); err != nil {
			return err
		}
		off = entryEnd
	}
	return nil
}

// PurgeProcess implements store.Dict: it deletes every {type}_{pid}.db
// file belonging to pid.
func (fs *FileStore) PurgeProcess(pid int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	for _, e := range entries {
		_, filePID, ok := parseFileName(e.Name())
		if !ok || filePID != pid {
			continue
		}
		path := filepath.Join(fs.dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			level.Error(fs.logger).Log("msg", "could not purge process file", "path", path, "err", err)
		}
	}
	for mt, pf := range fs.files {
		if pf.path == filepath.Join(fs.dir, fileName(mt, pid)) {
			delete(fs.files, mt)
		}
	}
	return nil
}

// Close implements store.Dict.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var firstErr error
	for _, pf := range fs.files {
		if err := pf.data.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := pf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	fs.files = nil
	return firstErr
}
