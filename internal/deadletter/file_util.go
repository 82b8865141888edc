// internal/deadletter/file_util.go
package deadletter

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// 파일 이름 규칙
// ------------------------------------------------------------
// dead-letter 파일 이름:
//
//	<unix>_<instance>_<counter>.jsonl.gz
//
// 예: 1764721594_relay1_000042.jsonl.gz
//
// 문자열 정렬 = 시간 정렬 이므로 용량 정리와 보관 모두 가장 오래된 파일부터 처리할 수 있다.
// unix prefix 는 TTL 판단 기준이기도 하다.
const (
	dataSuffix = ".jsonl.gz"
	metaSuffix = ".meta.json"
)

var globalCounter uint64

// NextCounter 는 1e6 에서 되돌아간다. timestamp + instance 가 있으므로 이름은 여전히 유일하다.
func NextCounter() uint64 {
	return atomic.AddUint64(&globalCounter, 1) % 1_000_000
}

func NewFilename(now time.Time, instanceID string) string {
	return fmt.Sprintf("%d_%s_%06d%s", now.Unix(), sanitize(instanceID), NextCounter(), dataSuffix)
}

// sanitize: instance id 가 파일 이름 형식을 깨지 않도록 정리한다.
func sanitize(instanceID string) string {
	if instanceID == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '_', ' ':
			return '-'
		}
		return r
	}, instanceID)
}

// BuildS3Key
// ------------------------------------------------------------
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
//
// 보관 시점의 UTC 시간 단위로 partition 된다.
func BuildS3Key(prefix string, now time.Time, filename string) string {
	now = now.UTC()
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", strings.TrimSuffix(prefix, "/"), now.Format("2006-01-02"), now.Format("15"), filename)
}

// extractUnixFromFilename 은 <unix> prefix 를 파싱한다.
func extractUnixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
