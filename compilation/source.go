package compilation

// BufferSource is a Source backed directly by a byte slice — the common
// case, where step 10 of the write protocol (spec.md §4.4) can skip the
// string-coercion path entirely.
type BufferSource struct {
	Bytes []byte
}

func NewBufferSource(b []byte) *BufferSource { return &BufferSource{Bytes: b} }

func (s *BufferSource) Buffer() ([]byte, bool) { return s.Bytes, true }
func (s *BufferSource) Content() ([]byte, error) { return s.Bytes, nil }
func (s *BufferSource) Size() int64              { return int64(len(s.Bytes)) }

// StringSource is a Source backed by a string, exercising the UTF-8
// coercion path of write protocol step 10.
type StringSource struct {
	Text string
}

func NewStringSource(text string) *StringSource { return &StringSource{Text: text} }

func (s *StringSource) Buffer() ([]byte, bool)   { return nil, false }
func (s *StringSource) Content() ([]byte, error) { return []byte(s.Text), nil }
func (s *StringSource) Size() int64              { return int64(len(s.Text)) }
