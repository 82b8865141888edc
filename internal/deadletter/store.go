// internal/deadletter/store.go
package deadletter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"estat-capture/internal/logger"
	"estat-capture/internal/metrics"
	"estat-capture/internal/pool"
	"estat-capture/internal/transport"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// Record 는 포기된 요청 1개이며, dead-letter 파일의 JSON 한 줄이다.
type Record struct {
	URL         string          `json:"url"`
	BatchKey    string          `json:"batch_key,omitempty"`
	Compression string          `json:"compression,omitempty"`
	Retries     int             `json:"retries"`
	AbandonedAt time.Time       `json:"abandoned_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Options: Store 설정. Dir 은 필수.
// Archiver 가 nil 이면 파일은 TTL 또는 용량 정리로만 사라진다.
type Options struct {
	Dir          string
	InstanceID   string
	MaxAge       time.Duration
	MaxSizeBytes int64
	Prefix       string
	Archiver     Archiver
	Clock        clockwork.Clock
	Metrics      *metrics.Metrics
}

// Store 는 retry queue 가 포기한 요청을 gzip+JSONL 파일로 보관하고,
// 가장 오래된 파일부터 보관소(S3)로 보낸다.
//
// TTL 판단은 mtime 이 아니라 파일명 prefix 의 Unix timestamp 기준이다.
type Store struct {
	dir        string
	instanceID string
	maxAge     time.Duration
	maxSize    int64
	prefix     string
	archiver   Archiver
	clock      clockwork.Clock
	metrics    *metrics.Metrics
	log        zerolog.Logger

	// mu: 모든 파일 작업 직렬화. sizeBytes / files 는 data 파일만 센다.
	mu        sync.Mutex
	sizeBytes int64
	files     int64
}

// New 는 디렉토리를 만들고 (없으면), 기존 파일을 스캔해 크기 / 개수를 복원한다.
// data 파일 없이 남은 meta 파일 (orphan) 은 삭제한다.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("deadletter: empty dir")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("deadletter: create %s: %w", opts.Dir, err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "capture-dlq"
	}

	d := &Store{
		dir:        opts.Dir,
		instanceID: opts.InstanceID,
		maxAge:     opts.MaxAge,
		maxSize:    opts.MaxSizeBytes,
		prefix:     prefix,
		archiver:   opts.Archiver,
		clock:      clock,
		metrics:    opts.Metrics,
		log:        logger.Component("deadletter"),
	}

	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("deadletter: scan %s: %w", opts.Dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		full := filepath.Join(opts.Dir, name)

		if strings.HasSuffix(name, metaSuffix) {
			dataName := strings.TrimSuffix(name, metaSuffix)
			if _, err := os.Stat(filepath.Join(opts.Dir, dataName)); os.IsNotExist(err) {
				_ = os.Remove(full)
			}
			continue
		}
		if info, err := e.Info(); err == nil {
			d.sizeBytes += info.Size()
			d.files++
		}
	}
	d.publish()

	return d, nil
}

func (d *Store) publish() {
	if d.metrics == nil {
		return
	}
	d.metrics.DLQSizeBytes.Set(float64(d.sizeBytes))
	d.metrics.DLQFilesCurrent.Set(float64(d.files))
}

// ---------------------------------------------------------------
// 쓰기
// ---------------------------------------------------------------

// Save 는 포기된 요청 1개를 저장한다. retry queue 의 sink 를 만족한다.
func (d *Store) Save(ctx context.Context, opts transport.RequestOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(opts.Data)
	if err != nil {
		return fmt.Errorf("deadletter: encode payload: %w", err)
	}

	rec := Record{
		URL:         opts.URL,
		BatchKey:    opts.BatchKey,
		Compression: opts.Compression,
		Retries:     opts.RetriesPerformedSoFar,
		AbandonedAt: d.clock.Now().UTC(),
		Payload:     payload,
	}

	data, err := encodeRecords([]Record{rec})
	if err != nil {
		return err
	}
	return d.SaveBatch(data, countEvents(payload))
}

// countEvents: 배열 payload 면 길이, 아니면 1
func countEvents(payload json.RawMessage) int {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return 1
	}
	var items []json.RawMessage
	if json.Unmarshal(trimmed, &items) != nil || len(items) == 0 {
		return 1
	}
	return len(items)
}

func encodeRecords(records []Record) ([]byte, error) {
	plain := pool.GetBuffer()
	defer pool.PutBuffer(plain)

	enc := json.NewEncoder(plain)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("deadletter: encode record: %w", err)
		}
	}
	return pool.Gzip(plain.Bytes())
}

// SaveBatch 는 이미 gzip 된 JSONL 파일과 meta 파일을 쓴다.
// 오래된 파일을 정리해도 공간이 부족하면 drop.
func (d *Store) SaveBatch(data []byte, numEvents int) error {
	if len(data) == 0 || numEvents <= 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	size := int64(len(data))
	if !d.ensureCapacity(size) {
		d.log.Error().Int64("bytes", size).Int("events", numEvents).Msg("dead-letter dir full, dropping")
		if d.metrics != nil {
			d.metrics.DLQEventsDroppedTotal.Add(float64(numEvents))
		}
		return nil
	}

	filename := NewFilename(d.clock.Now(), d.instanceID)
	dataPath := filepath.Join(d.dir, filename)
	metaPath := dataPath + metaSuffix

	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return fmt.Errorf("deadletter: write %s: %w", filename, err)
	}
	meta := []byte(fmt.Sprintf(`{"num_events":%d}`, numEvents))
	_ = os.WriteFile(metaPath, meta, 0o600)

	d.sizeBytes += size
	d.files++
	d.publish()
	if d.metrics != nil {
		d.metrics.DLQEventsEnqueuedTotal.Add(float64(numEvents))
	}
	return nil
}

// ensureCapacity 는 incoming 이 들어갈 때까지 오래된 파일부터 지운다. caller 가 mu 보유.
func (d *Store) ensureCapacity(incoming int64) bool {
	if d.maxSize <= 0 {
		return true
	}

	for d.sizeBytes+incoming > d.maxSize {
		oldest := d.pickOldest()
		if oldest == "" {
			return false
		}
		d.remove(oldest)
		if d.metrics != nil {
			d.metrics.DLQFilesExpiredTotal.Inc()
		}
		d.log.Warn().Str("file", oldest).Msg("dead-letter capacity, removed oldest")
	}
	return true
}

// remove 는 data / meta 파일을 지우고 카운터를 갱신한다. caller 가 mu 보유.
func (d *Store) remove(name string) {
	dataPath := filepath.Join(d.dir, name)
	if info, err := os.Stat(dataPath); err == nil {
		d.sizeBytes -= info.Size()
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaSuffix)

	d.files--
	if d.files < 0 {
		d.files = 0
	}
	if d.sizeBytes < 0 {
		d.sizeBytes = 0
	}
	d.publish()
}

// ---------------------------------------------------------------
// 읽기 / 보관
// ---------------------------------------------------------------

// ProcessOneCtx 는 가장 오래된 파일 1개를 처리한다.
//   - TTL 초과: 삭제
//   - 그 외: 보관 후 성공하면 삭제
//   - 검증 실패 파일: <prefix>/invalid 아래로 보관
func (d *Store) ProcessOneCtx(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	name := d.pickOldest()
	if name == "" {
		return
	}
	dataPath := filepath.Join(d.dir, name)

	info, err := os.Stat(dataPath)
	if err != nil {
		d.remove(name)
		return
	}
	size := info.Size()

	if d.maxAge > 0 {
		if sec, ok := extractUnixFromFilename(name); ok {
			age := d.clock.Now().Sub(time.Unix(sec, 0))
			if age > d.maxAge {
				d.remove(name)
				if d.metrics != nil {
					d.metrics.DLQFilesExpiredTotal.Inc()
				}
				d.log.Info().Str("file", name).Dur("age", age).Msg("dead-letter ttl expired")
				return
			}
		}
	}

	if d.archiver == nil || ctx.Err() != nil {
		return
	}

	f, err := os.Open(dataPath)
	if err != nil {
		d.log.Warn().Err(err).Str("file", name).Msg("dead-letter open failed")
		return
	}
	defer f.Close()

	valid := validateFile(f, size)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		d.log.Warn().Err(err).Str("file", name).Msg("dead-letter seek failed")
		return
	}

	prefix := d.prefix
	if !valid {
		prefix += "/invalid"
	}
	key := BuildS3Key(prefix, d.clock.Now(), name)

	if err := d.archiver.UploadFileWithRetryCtx(ctx, key, f, size); err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("dead-letter archive failed")
		return
	}

	d.remove(name)
	if d.metrics != nil {
		d.metrics.DLQFilesArchivedTotal.Inc()
	}
	d.log.Info().Str("key", key).Bool("valid", valid).Msg("dead-letter archived")
}

// Run 은 ctx 가 끝날 때까지 interval 마다 파일 1개를 처리한다.
func (d *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := d.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.ProcessOneCtx(ctx)
		}
	}
}

// Files: data 파일 이름 (오래된 순)
func (d *Store) Files() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listData()
}

// validateFile 은 gzip 을 풀어 첫 JSONL 라인이 유효한 JSON 인지 확인한다.
func validateFile(f *os.File, size int64) bool {
	if size <= 0 {
		return false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var rec Record
	return json.Unmarshal(line, &rec) == nil
}

// ReadRecords 는 dead-letter 파일의 모든 record 를 디코딩한다.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("deadletter: gzip %s: %w", path, err)
	}
	defer gz.Close()

	var out []Record
	dec := json.NewDecoder(gz)
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("deadletter: decode %s: %w", path, err)
		}
		out = append(out, rec)
	}
}

// pickOldest 는 정렬 기준 첫 번째 data 파일 이름을 반환한다. caller 가 mu 보유.
func (d *Store) pickOldest() string {
	files := d.listData()
	if len(files) == 0 {
		return ""
	}
	return files[0]
}

// listData 는 디렉토리를 읽고 정렬한다.
// ReadDir 순서는 시간 순이 아니지만, 파일명 정렬은 시간 순이다.
func (d *Store) listData() []string {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, metaSuffix) || name == "" || name[0] == '.' {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files
}
