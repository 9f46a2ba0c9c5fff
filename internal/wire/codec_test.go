package wire

import "testing"

func TestEncodeParseRequestRoundTrip(t *testing.T) {
	args := [][]byte{[]byte("SET"), []byte("k"), []byte("v")}
	frame, err := EncodeRequest(args)
	if err != nil {
		t.Fatalf("EncodeRequest() = %v", err)
	}

	n, ok := PeekFrameLen(frame)
	if !ok {
		t.Fatalf("PeekFrameLen() reported incomplete header")
	}
	payload := frame[HeaderLen : HeaderLen+int(n)]

	got, err := ParseRequest(payload)
	if err != nil {
		t.Fatalf("ParseRequest() = %v", err)
	}
	if len(got) != len(args) {
		t.Fatalf("ParseRequest returned %d args, want %d", len(got), len(args))
	}
	for i := range args {
		if string(got[i]) != string(args[i]) {
			t.Fatalf("arg[%d] = %q, want %q", i, got[i], args[i])
		}
	}
}

func TestParseRequestRejectsTooManyArgs(t *testing.T) {
	args := make([][]byte, MaxArgs+1)
	for i := range args {
		args[i] = []byte("x")
	}
	if _, err := EncodeRequest(args); err != ErrTooManyArgs {
		t.Fatalf("EncodeRequest() = %v, want ErrTooManyArgs", err)
	}

	// nargs = MaxArgs+1 (1025, little-endian); the count alone is rejected
	payload := []byte{0x01, 0x04, 0, 0}
	if _, err := ParseRequest(payload); err != ErrTooManyArgs {
		t.Fatalf("ParseRequest() = %v, want ErrTooManyArgs", err)
	}
}

func TestParseRequestRejectsTruncatedPayload(t *testing.T) {
	if _, err := ParseRequest([]byte{1, 0}); err != ErrTruncated {
		t.Fatalf("ParseRequest() = %v, want ErrTruncated", err)
	}
}

func TestParseRequestRejectsOverrunningArgLength(t *testing.T) {
	// nargs=1, arg_len=100, but no bytes follow
	payload := []byte{1, 0, 0, 0, 100, 0, 0, 0}
	if _, err := ParseRequest(payload); err != ErrMalformedArg {
		t.Fatalf("ParseRequest() = %v, want ErrMalformedArg", err)
	}
}

func TestWriterScalarValues(t *testing.T) {
	cases := []struct {
		name string
		fn   func(w *Writer)
		want Value
	}{
		{"nil", func(w *Writer) { w.WriteNil() }, Value{Tag: TagNil}},
		{"int", func(w *Writer) { w.WriteInt(-42) }, Value{Tag: TagInt, Int: -42}},
		{"dbl", func(w *Writer) { w.WriteDbl(3.25) }, Value{Tag: TagDbl, Dbl: 3.25}},
		{"str", func(w *Writer) { w.WriteStr([]byte("hi")) }, Value{Tag: TagStr, Str: []byte("hi")}},
		{"err", func(w *Writer) { w.WriteErr(ErrType, "bad type") }, Value{Tag: TagErr, Err: ErrType, Msg: "bad type"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := NewWriter()
			c.fn(w)
			frame, err := w.Bytes()
			if err != nil {
				t.Fatalf("Bytes() = %v", err)
			}
			n, _ := PeekFrameLen(frame)
			got, err := Decode(frame[HeaderLen : HeaderLen+int(n)])
			if err != nil {
				t.Fatalf("Decode() = %v", err)
			}
			if got.Tag != c.want.Tag || got.Int != c.want.Int || got.Dbl != c.want.Dbl ||
				string(got.Str) != string(c.want.Str) || got.Err != c.want.Err || got.Msg != c.want.Msg {
				t.Fatalf("Decode() = %+v, want %+v", got, c.want)
			}
		})
	}
}

func TestWriterNestedArray(t *testing.T) {
	w := NewWriter()
	w.BeginArr()
	w.WriteStr([]byte("alice"))
	w.WriteDbl(1.5)
	w.BeginArr()
	w.WriteInt(1)
	w.WriteInt(2)
	w.EndArr()
	w.EndArr()

	frame, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes() = %v", err)
	}
	n, _ := PeekFrameLen(frame)
	got, err := Decode(frame[HeaderLen : HeaderLen+int(n)])
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if got.Tag != TagArr || len(got.Arr) != 3 {
		t.Fatalf("Decode() = %+v, want a 3-element array", got)
	}
	if string(got.Arr[0].Str) != "alice" || got.Arr[1].Dbl != 1.5 {
		t.Fatalf("unexpected leading elements: %+v", got.Arr[:2])
	}
	inner := got.Arr[2]
	if inner.Tag != TagArr || len(inner.Arr) != 2 || inner.Arr[0].Int != 1 || inner.Arr[1].Int != 2 {
		t.Fatalf("unexpected nested array: %+v", inner)
	}
}

func TestBytesRejectsUnclosedArray(t *testing.T) {
	w := NewWriter()
	w.BeginArr()
	w.WriteInt(1)
	if _, err := w.Bytes(); err == nil {
		t.Fatalf("Bytes() must fail with an unclosed array")
	}
}
