package iso7816

import (
	"strings"
	"testing"
)

func TestStatusWord_Bytes(t *testing.T) {
	sw := NewStatusWord(0x6A, 0x82)
	if sw != SW_ERR_FILE_NOT_FOUND {
		t.Fatalf("NewStatusWord(6A, 82) = %04X, want 6A82", uint16(sw))
	}
	if sw.SW1() != 0x6A || sw.SW2() != 0x82 {
		t.Errorf("SW1/SW2 = %02X %02X, want 6A 82", sw.SW1(), sw.SW2())
	}
}

func TestStatusWord_Counter(t *testing.T) {
	tests := []struct {
		sw        StatusWord
		isCounter bool
	}{
		{NewStatusWord(0x63, 0xC0), true},
		{NewStatusWord(0x63, 0xCF), true},
		{NewStatusWord(0x63, 0x00), false},
		{NewStatusWord(0x63, 0x81), false},
	}

	for _, tt := range tests {
		if got := tt.sw.IsCounter(); got != tt.isCounter {
			t.Errorf("SW %X IsCounter = %v, want %v", uint16(tt.sw), got, tt.isCounter)
		}
	}
}

func TestStatusWord_Classification(t *testing.T) {
	tests := []struct {
		sw        StatusWord
		isSuccess bool
		isWarning bool
		isError   bool
	}{
		{SW_NO_ERROR, true, false, false},
		{NewStatusWord(0x61, 0x10), true, false, false},
		{SW_WARN_NV_CHANGED_NO_INFO, false, true, false},
		{NewStatusWord(0x63, 0xC2), false, true, false},
		{SW_ERR_WRONG_LENGTH, false, false, true},
		{SW_ERR_FILE_NOT_FOUND, false, false, true},
	}

	for _, tt := range tests {
		if got := tt.sw.IsSuccess(); got != tt.isSuccess {
			t.Errorf("SW %X IsSuccess = %v, want %v", uint16(tt.sw), got, tt.isSuccess)
		}
		if got := tt.sw.IsWarning(); got != tt.isWarning {
			t.Errorf("SW %X IsWarning = %v, want %v", uint16(tt.sw), got, tt.isWarning)
		}
		if got := tt.sw.IsError(); got != tt.isError {
			t.Errorf("SW %X IsError = %v, want %v", uint16(tt.sw), got, tt.isError)
		}
	}
}

func TestStatusWord_Verbose(t *testing.T) {
	tests := []struct {
		sw       StatusWord
		contains string
	}{
		{NewStatusWord(0x63, 0xC3), "counter = 3"},
		{NewStatusWord(0x61, 0x20), "32 bytes available"},
		{NewStatusWord(0x6C, 0x05), "correct Le is 5"},
		{SW_ERR_FILE_NOT_FOUND, "[6A82] SW_ERR_FILE_NOT_FOUND"},
		{SW_WARN_NV_CHANGED_NO_INFO, "SW_WARN_NV_CHANGED_NO_INFO"},
		{NewStatusWord(0x69, 0x99), "Command not allowed"},
		{NewStatusWord(0x12, 0x34), "Unknown Status"},
	}

	for _, tt := range tests {
		got := tt.sw.Verbose()
		if !strings.Contains(got, tt.contains) {
			t.Errorf("Verbose(%04X) = %q; want containing %q", uint16(tt.sw), got, tt.contains)
		}
	}
}

func TestStatusWord_String(t *testing.T) {
	if got := SW_NO_ERROR.String(); got != "SW_NO_ERROR" {
		t.Errorf("String() = %q, want SW_NO_ERROR", got)
	}
	if got := NewStatusWord(0x12, 0x34).String(); got != "StatusWord(0x1234)" {
		t.Errorf("String() = %q, want StatusWord(0x1234)", got)
	}
}
