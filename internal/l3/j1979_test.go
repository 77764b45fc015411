package l3

import (
	"errors"
	"slices"
	"testing"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
)

func TestPredictLength(t *testing.T) {
	tests := []struct {
		data    []byte
		want    int
		wantErr error
	}{
		{[]byte{0x01, 0x00}, 6, nil},
		{[]byte{0x03}, 5, nil},
		{[]byte{0x08}, 11, nil},
		{[]byte{0x00}, 0, diag.ErrBadData},
		{[]byte{0x0A}, 0, diag.ErrBadData},
		{[]byte{0x40}, 0, diag.ErrBadData},
		{[]byte{0x4A}, 0, diag.ErrBadData},
		{[]byte{0x41, 0x00}, 10, nil},
		{[]byte{0x41, 0x20}, 10, nil},
		{[]byte{0x41, 0x01}, 10, nil},
		{[]byte{0x42, 0x01}, 0, diag.ErrBadData},
		{[]byte{0x41, 0x02}, 0, diag.ErrBadData},
		{[]byte{0x42, 0x02}, 9, nil},
		{[]byte{0x42, 0x00}, 11, nil},
		{[]byte{0x41, 0x05}, 7, nil},
		{[]byte{0x41, 0x0C}, 8, nil},
		{[]byte{0x42, 0x0C}, 9, nil},
		{[]byte{0x41, 0x56}, 7, nil},
		{[]byte{0x41, 0x18}, 8, nil},
		{[]byte{0x41, 0x1C}, 6, nil},
		{[]byte{0x41, 0x21}, 0, diag.ErrBadData},
		{[]byte{0x41}, 0, diag.ErrIncompleteData},
		{nil, 0, diag.ErrIncompleteData},
		{[]byte{0x43}, 11, nil},
		{[]byte{0x44}, 5, nil},
		{[]byte{0x45, 0x00}, 11, nil},
		{[]byte{0x45, 0x03}, 8, nil},
		{[]byte{0x45, 0x05}, 10, nil},
		{[]byte{0x47}, 11, nil},
		{[]byte{0x49, 0x02}, 7, nil},
		{[]byte{0x49, 0x03}, 11, nil},
		{[]byte{0x49, 0x40}, 11, nil},
	}
	for _, tt := range tests {
		got, err := PredictLength(tt.data)
		if !errors.Is(err, tt.wantErr) || got != tt.want {
			t.Errorf("PredictLength(% X) = %d, %v; want %d, %v", tt.data, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestDecodeDTC(t *testing.T) {
	tests := []struct {
		b0, b1 byte
		want   string
	}{
		{0x01, 0x33, "P0133"},
		{0x41, 0x23, "C0123"},
		{0x9F, 0xFF, "B1FFF"},
		{0xC1, 0x00, "U0100"},
	}
	for _, tt := range tests {
		if got := DecodeDTC(tt.b0, tt.b1); got != tt.want {
			t.Errorf("DecodeDTC(%02X %02X) = %s want %s", tt.b0, tt.b1, got, tt.want)
		}
	}
	got := DecodeDTCs([]byte{0x01, 0x33, 0x00, 0x00, 0x03, 0x00, 0x7F})
	if !slices.Equal(got, []string{"P0133", "P0300"}) {
		t.Fatalf("DecodeDTCs = %v", got)
	}
}

func TestDescribeJ1979(t *testing.T) {
	tests := []struct {
		data []byte
		want string
	}{
		{[]byte{0x01, 0x0C}, "J1979 request Mode 1 PID 0x0C"},
		{[]byte{0x41, 0x0C, 0x1A, 0xF8}, "J1979 response Mode 1 Data: PID 0x0C 0x1A 0xF8"},
		{[]byte{0x42, 0x02, 0x00, 0x01, 0x33}, "J1979 response Mode 2 FreezeFrame Data: PID 0x02 Frame 0x00 0x01 0x33"},
		{[]byte{0x03}, "J1979 request Mode 3 (Powertrain DTCs)"},
		{[]byte{0x43, 0x01, 0x33, 0x00, 0x00, 0x00, 0x00}, "J1979 response DTCs: P0133"},
		{[]byte{0x47, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00}, "J1979 response Non-Continuous Monitor System DTCs: P0300"},
		{[]byte{0x44}, "J1979 response DTCs cleared"},
		{[]byte{0x09, 0x02}, "J1979 request Request vehicle information infotype 0x02"},
		{[]byte{0x30, 0x01}, "J1979 request UnknownType 0x30: Data Dump: 0x30 0x01"},
		{nil, "J1979 empty message"},
	}
	for _, tt := range tests {
		if got := DescribeJ1979(diag.Message{Data: tt.data}); got != tt.want {
			t.Errorf("DescribeJ1979(% X)\n got %q\nwant %q", tt.data, got, tt.want)
		}
	}
}

func TestDecode_PerProtocol(t *testing.T) {
	iso := open(t, ISO14230, newFakeLower(framedData))
	m := diag.Message{Data: []byte{0x7E}}
	if got, want := iso.Decode(m), "ISO14230 "+diag.DescribeResponse(m); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	obd := open(t, J1979, newFakeLower(framedData))
	if got := obd.Decode(diag.Message{Data: []byte{0x44}}); got != "J1979 response DTCs cleared" {
		t.Fatalf("got %q", got)
	}
}
