// internal/pool/pool.go
package pool

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// capture client 는 배치를 보낼 때마다 JSON 인코딩(+gzip)을 하고,
// relay 는 요청마다 body 를 읽는다.
//
// 아래 Pool들은 이 할당들을 재사용해서 GC 부담을 줄이기 위한 것.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - relay 요청 body 임시 버퍼
	//   - 초기 용량 4KB (대부분의 POST는 여기에 수용됨)
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool:
	//   - 인코딩된 전송 payload, dead-letter 파일 작성용
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용
	//   - BestSpeed: payload 는 바로 전송되므로 압축률보다 지연이 중요
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// 이 용량을 넘는 버퍼는 pool 에 돌려놓지 않고 GC 에 맡긴다.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBody 는 buf 가 maxCap 이하일 때만 BodyPool 로 돌려놓는다.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

func GetBuffer() *bytes.Buffer {
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer 는 너무 커진 버퍼를 버린다.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}

// Gzip 은 pool writer 로 src 를 압축하고, caller 소유의 새 slice 를 반환한다.
func Gzip(src []byte) ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if err := GzipTo(buf, src); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// GzipTo 는 src 의 gzip 스트림을 w 에 쓴다.
func GzipTo(w io.Writer, src []byte) error {
	gz := GzipPool.Get().(*gzip.Writer)
	defer GzipPool.Put(gz)

	gz.Reset(w)
	if _, err := gz.Write(src); err != nil {
		return err
	}
	return gz.Close()
}
