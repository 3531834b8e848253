package hipaa

import (
	"encoding/base64"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	return NewCodec(testEnvelope(t))
}

func strPtr(s string) *string { return &s }

func TestCodec_TextRoundTrip(t *testing.T) {
	c := testCodec(t)

	for _, v := range []*string{nil, strPtr(""), strPtr("Patient reports fatigue"), strPtr("naïve café 頭痛")} {
		stored, err := c.EncodeText(v, FieldComments, "e1")
		if err != nil {
			t.Fatalf("EncodeText() error: %v", err)
		}
		got, err := c.DecodeText(stored, FieldComments, "e1")
		if err != nil {
			t.Fatalf("DecodeText() error: %v", err)
		}
		switch {
		case v == nil && got != nil:
			t.Errorf("expected nil, got %q", *got)
		case v != nil && (got == nil || *got != *v):
			t.Errorf("expected %q, got %v", *v, got)
		}
	}
}

func TestCodec_AbsentVersusEmpty(t *testing.T) {
	c := testCodec(t)

	absent, _ := c.EncodeText(nil, FieldComments, "e1")
	if absent != AbsentMarker {
		t.Errorf("expected absent marker, got %q", absent)
	}
	empty, _ := c.EncodeText(strPtr(""), FieldComments, "e1")
	if empty == AbsentMarker || !strings.HasPrefix(empty, "phi:v1:") {
		t.Errorf("empty string should be encrypted, got %q", empty)
	}

	nilList, _ := c.EncodeList(nil, FieldSymptoms, "e1")
	if nilList != AbsentMarker {
		t.Errorf("nil list should be absent, got %q", nilList)
	}
	emptyList, _ := c.EncodeList([]string{}, FieldSymptoms, "e1")
	got, err := c.DecodeList(emptyList, FieldSymptoms, "e1")
	if err != nil {
		t.Fatalf("DecodeList() error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil list, got %#v", got)
	}
}

func TestCodec_ListRoundTrip(t *testing.T) {
	c := testCodec(t)
	cases := [][]string{
		{"fever"},
		{"fever", "cough", "fever"},
		{"a,b", "", "line\nbreak", `quote"d`},
	}
	for _, in := range cases {
		stored, err := c.EncodeList(in, FieldSymptoms, "e1")
		if err != nil {
			t.Fatalf("EncodeList() error: %v", err)
		}
		if strings.Contains(stored, in[0]) && in[0] != "" {
			t.Errorf("stored form leaks %q", in[0])
		}
		got, err := c.DecodeList(stored, FieldSymptoms, "e1")
		if err != nil {
			t.Fatalf("DecodeList() error: %v", err)
		}
		if !reflect.DeepEqual(got, in) {
			t.Errorf("expected %#v, got %#v", in, got)
		}
	}
}

func TestCodec_WrongRecordFails(t *testing.T) {
	c := testCodec(t)
	stored, _ := c.EncodeText(strPtr("private"), FieldComments, "e1")

	_, err := c.DecodeText(stored, FieldComments, "e2")
	var ce *CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CodecError, got %v", err)
	}
	if !IsDecryptionError(err) {
		t.Error("expected wrapped DecryptionError")
	}
	if ce.Field != FieldComments {
		t.Errorf("expected field %q, got %q", FieldComments, ce.Field)
	}
}

func TestCodec_Malformed(t *testing.T) {
	c := testCodec(t)
	cases := map[string]string{
		"plaintext":  "hello",
		"bad base64": "phi:v1:!!!",
		"short":      "phi:v1:" + base64.StdEncoding.EncodeToString([]byte("abc")),
	}
	for name, stored := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.DecodeText(stored, FieldComments, "e1")
			var ce *CodecError
			if !errors.As(err, &ce) {
				t.Fatalf("expected CodecError, got %v", err)
			}
		})
	}
}

func TestCodec_KindMismatch(t *testing.T) {
	c := testCodec(t)
	stored, _ := c.EncodeText(strPtr("fever"), FieldSymptoms, "e1")
	if _, err := c.DecodeList(stored, FieldSymptoms, "e1"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed decoding text as list, got %v", err)
	}
}

func TestDecodeList_RejectsTrailingAndOversized(t *testing.T) {
	good := encodeList([]string{"a", "b"})
	if _, err := decodeList(append(good, 0x00)); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected trailing bytes to be rejected, got %v", err)
	}

	huge := []byte{kindList, 0xff, 0xff, 0xff, 0xff}
	if _, err := decodeList(huge); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected oversized count to be rejected, got %v", err)
	}

	lying := []byte{kindList, 0, 0, 0, 1, 0, 0, 0, 9, 'x'}
	if _, err := decodeList(lying); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected out of range length to be rejected, got %v", err)
	}
}

func TestDecodeText_InvalidUTF8(t *testing.T) {
	payload := []byte{kindText, 0, 0, 0, 2, 0xff, 0xfe}
	if _, err := decodeText(payload); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected invalid utf-8 to be rejected, got %v", err)
	}
}

func TestCodec_RefusesUnlistedField(t *testing.T) {
	c := testCodec(t)
	_, err := c.EncodeText(strPtr("x"), "confidence_score", "d1")
	var ce *CodecError
	if !errors.As(err, &ce) || !errors.Is(err, ErrUnlistedField) || ce.Op != "encode" {
		t.Fatalf("expected unlisted field error, got %v", err)
	}
	if _, err := c.EncodeList(nil, "possible_conditions", "d1"); err != nil {
		t.Errorf("absent values are not sealed and need no registration: %v", err)
	}
}
