package cmd

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func makeResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    bool
		errContain string
	}{
		{
			name:    "successful response",
			status:  200,
			body:    `{"retried": 3}`,
			wantErr: false,
		},
		{
			name:       "error with message",
			status:     404,
			body:       `{"error":{"message":"job not found"}}`,
			wantErr:    true,
			errContain: "job not found",
		},
		{
			name:       "error with field",
			status:     400,
			body:       `{"error":{"field":"type","message":"missing required field"}}`,
			wantErr:    true,
			errContain: "field type",
		},
		{
			name:       "error with non-JSON body",
			status:     500,
			body:       `internal server error`,
			wantErr:    true,
			errContain: "500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out map[string]any
			err := decodeResponse(makeResponse(tt.status, tt.body), &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errContain) {
				t.Errorf("decodeResponse() error = %q, want it to contain %q", err, tt.errContain)
			}
		})
	}
}

func TestPrintOutput(t *testing.T) {
	tests := []struct {
		name       string
		v          any
		outputJSON bool
	}{
		{
			name:       "simple string - human readable",
			v:          "hello world",
			outputJSON: false,
		},
		{
			name:       "simple map - json format",
			v:          map[string]any{"key": "value", "number": 42},
			outputJSON: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := outputJSON
			outputJSON = tt.outputJSON
			defer func() { outputJSON = orig }()

			defer func() {
				if r := recover(); r != nil {
					t.Errorf("printOutput() panicked unexpectedly: %v", r)
				}
			}()

			printOutput(tt.v)
		})
	}
}
