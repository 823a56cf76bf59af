package runtime

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestRedactQQIDsPatterns(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"at mention", "hello @123456789", "hello @用户"},
		{"parenthesized", "张三(123456789)说", "张三(已隐藏)说"},
		{"fullwidth parens", "张三（123456789）说", "张三(已隐藏)说"},
		{"qq field", "contact qq=123456789 now", "contact qq=已隐藏 now"},
		{"uin field", "UIN = 987654321", "UIN=已隐藏"},
		{"short number untouched", "room (123)", "room (123)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RedactQQIDs(tt.in); got != tt.want {
				t.Errorf("RedactQQIDs(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRedactQQIDsKeepsCQSegments(t *testing.T) {
	in := "[CQ:at,qq=123456789] ping @123456789"
	got := RedactQQIDs(in)
	if !strings.Contains(got, "[CQ:at,qq=123456789]") {
		t.Errorf("CQ segment must survive redaction, got %q", got)
	}
	if strings.Contains(got, "@123456789") {
		t.Errorf("plain mention must be redacted, got %q", got)
	}
	if strings.Contains(got, "__NBOT_CQ_SEG_") {
		t.Errorf("placeholder leaked: %q", got)
	}
}

func TestRedactQQIDsMasksBareRuns(t *testing.T) {
	got := RedactQQIDs("管理员已将 123456789 移出本群")
	if strings.Contains(got, "123456789") {
		t.Fatalf("bare id survived: %q", got)
	}
	if !strings.Contains(got, "成员") {
		t.Fatalf("expected member placeholder, got %q", got)
	}

	got = RedactQQIDs("踢出 123456789，@987654 查看 qq=55667788")
	for _, id := range []string{"123456789", "987654", "55667788"} {
		if strings.Contains(got, id) {
			t.Fatalf("id %s survived: %q", id, got)
		}
	}
}

type stubResolver struct {
	calls int
	names map[string]string
}

func (r *stubResolver) ResolveName(_ context.Context, _, userID string) (string, bool) {
	r.calls++
	name, ok := r.names[userID]
	return name, ok
}

func TestRedactSensitiveIDsSubstitutesNames(t *testing.T) {
	r := &stubResolver{names: map[string]string{"123456789": "老张"}}
	got := RedactSensitiveIDs(context.Background(), r, "42", []string{"123456789"}, "请 123456789 尽快处理")
	if got != "请 老张 尽快处理" {
		t.Fatalf("got %q", got)
	}
	if r.calls != 1 {
		t.Fatalf("expected one lookup, got %d", r.calls)
	}
}

func TestRedactSensitiveIDsFallsBackOnLookupFailure(t *testing.T) {
	r := &stubResolver{names: map[string]string{}}
	got := RedactSensitiveIDs(context.Background(), r, "42", nil, "通知 55667788 参会")
	if got != "通知 成员 参会" {
		t.Fatalf("got %q", got)
	}
}

func TestRedactSensitiveIDsCapsLookups(t *testing.T) {
	r := &stubResolver{names: map[string]string{}}
	var b strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "用户 %d0000%d 在线 ", 10000+i, i)
	}
	got := RedactSensitiveIDs(context.Background(), r, "42", nil, b.String())
	if r.calls != maxNameLookups {
		t.Fatalf("expected %d lookups, got %d", maxNameLookups, r.calls)
	}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("%d0000%d", 10000+i, i)
		if strings.Contains(got, id) {
			t.Fatalf("id %s survived past the lookup cap: %q", id, got)
		}
	}
}
