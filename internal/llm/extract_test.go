package llm

import (
	"errors"
	"testing"
)

func TestExtractReply(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		raw     string
		want    string
		wantErr bool
	}{
		{"local ok", KindLocal, `{"message":{"role":"assistant","content":" hi \n"}}`, "hi", false},
		{"local no message", KindLocal, `{"done":true}`, "", true},
		{"local no content", KindLocal, `{"message":{"role":"assistant"}}`, "", true},
		{"local empty content", KindLocal, `{"message":{"content":"   "}}`, "", true},
		{"local error field", KindLocal, `{"error":"model not found"}`, "", true},
		{"local null", KindLocal, `null`, "", true},
		{"cloud ok", KindCloud, `{"choices":[{"message":{"content":"Hi there"}},{"message":{"content":"second"}}]}`, "Hi there", false},
		{"cloud no choices", KindCloud, `{"id":"x"}`, "", true},
		{"cloud empty choices", KindCloud, `{"choices":[]}`, "", true},
		{"cloud no message", KindCloud, `{"choices":[{"finish_reason":"stop"}]}`, "", true},
		{"cloud null content", KindCloud, `{"choices":[{"message":{"content":null}}]}`, "", true},
		{"non-json", KindCloud, `<html>bad gateway</html>`, "", true},
		{"wrong shape", KindLocal, `[1,2,3]`, "", true},
		{"anthropic ok", KindAnthropic, `{"content":[{"type":"text","text":"Hello "},{"type":"text","text":"world"}]}`, "Hello world", false},
		{"anthropic no blocks", KindAnthropic, `{"content":[]}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractReply(tt.kind, []byte(tt.raw))
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("ExtractReply: %v", err)
				}
				if got != tt.want {
					t.Errorf("got %q, want %q", got, tt.want)
				}
				return
			}
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ProviderError", err)
			}
			if pe.Kind != ErrParse || pe.Provider != tt.kind {
				t.Errorf("err = %+v, want parse error from %v", pe, tt.kind)
			}
			if pe.Detail == "" {
				t.Error("parse error has empty detail")
			}
			if got != "" {
				t.Errorf("got %q alongside error", got)
			}
		})
	}
}
