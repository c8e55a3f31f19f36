package encoder

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// streamBuffer - число закодированных строк, которые продюсер может
// опередить потребителя. Вместе с размером строки это ограничивает
// память конвейера единицами мегабайт.
const streamBuffer = 64

// Stream - читаемая сторона конвейера parser → encoder → bulk-load.
// Продюсер-горутина кодирует записи и передает их через ограниченный
// канал; Read отдает байты драйверу. Ни одна из сторон не держит
// датасет целиком.
//
// После io.EOF доступны Rows, Bytes и Digest - число строк, объем и
// XXH3-дайджест всего переданного потока (диагностика целостности).
type Stream struct {
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
	cur    []byte
	err    error
	closed bool

	mu    sync.Mutex
	rows  int64
	bytes int64
	hash  *xxh3.Hasher
}

// NewStream запускает продюсера, кодирующего записи rr.
// Ошибка парсера или кодировщика доставляется потребителю из Read.
func NewStream(ctx context.Context, enc *Encoder, rr medgen.RecordReader) *Stream {
	s := &Stream{
		ch:   make(chan []byte, streamBuffer),
		done: make(chan struct{}),
		hash: xxh3.New(),
	}

	go s.produce(ctx, enc, rr)
	return s
}

func (s *Stream) produce(ctx context.Context, enc *Encoder, rr medgen.RecordReader) {
	defer close(s.ch)

	var buf bytes.Buffer
	for {
		rec, err := rr.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.fail(err)
			return
		}

		buf.Reset()
		if err := enc.EncodeRecord(&buf, rec); err != nil {
			s.fail(err)
			return
		}

		line := make([]byte, buf.Len())
		copy(line, buf.Bytes())

		select {
		case s.ch <- line:
			s.mu.Lock()
			s.rows++
			s.bytes += int64(len(line))
			s.hash.Write(line)
			s.mu.Unlock()
		case <-s.done:
			return
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		}
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Read реализует io.Reader поверх канала закодированных строк
func (s *Stream) Read(p []byte) (int, error) {
	for len(s.cur) == 0 {
		line, ok := <-s.ch
		if !ok {
			s.mu.Lock()
			err := s.err
			s.mu.Unlock()
			if err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		s.cur = line
	}

	n := copy(p, s.cur)
	s.cur = s.cur[n:]
	return n, nil
}

// Close останавливает продюсера. Безопасно вызывать повторно.
func (s *Stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Rows возвращает число строк, переданных в поток
func (s *Stream) Rows() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// Bytes возвращает объем переданного потока в байтах
func (s *Stream) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Digest возвращает XXH3-дайджест переданного потока
func (s *Stream) Digest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hash.Sum64()
}
