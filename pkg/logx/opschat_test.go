package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	kit "vwapbot/internal/transport"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	to   []kit.ChatTarget
	opts []*kit.SendOptions
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.to = append(f.to, to)
	f.opts = append(f.opts, opt)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestFormatOpsAlert(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "fields sorted",
			in:   `{"level":"warn","message":"update failed","time":"x","interval":60,"channel_id":7}`,
			want: "<b>WARN</b>\nupdate failed\n• channel_id=<code>7</code>\n• interval=<code>60</code>",
		},
		{
			name: "component in header",
			in:   `{"level":"error","comp":"refresh","message":"a<b","channel_id":-1001234567890}`,
			want: "<b>ERROR</b> · <code>refresh</code>\na&lt;b\n• channel_id=<code>-1001234567890</code>",
		},
		{
			name: "raw passthrough",
			in:   "not json <x>",
			want: "not json &lt;x&gt;",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := formatOpsAlert([]byte(tc.in)); got != tc.want {
				t.Fatalf("formatOpsAlert = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormatOpsAlertLongLineIsPlain(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString(`{"level":"warn","message":"m"`)
	for i := range 20 {
		b.WriteString(`,"k` + string(rune('a'+i)) + `":"` + strings.Repeat("x", 500) + `"`)
	}
	b.WriteString("}")

	got := formatOpsAlert([]byte(b.String()))
	if strings.Contains(got, "<b>") || strings.Contains(got, "<code>") {
		t.Fatalf("oversized alert kept markup: %.80q", got)
	}
	if n := len([]rune(got)); n > opsMaxRunes {
		t.Fatalf("len = %d runes, want <= %d", n, opsMaxRunes)
	}
}

func TestServiceMirrorsWarningsToOpsChat(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	svc, log := New(Config{
		Level:    "debug",
		File:     FileConfig{Enabled: true, Path: t.TempDir() + "/bot.log"},
		Telegram: TelegramConfig{Enabled: true, ThreadID: 9, MinLevel: "warn", RatePerSec: 50},
	}, fs)
	t.Cleanup(func() { _ = svc.Close() })

	log.Warn("dropped, no target yet")
	svc.SetTelegramTarget(-100, 0)

	log = log.With(String("comp", "scheduler"))
	log.Info("below min level")
	log.Warn("loop stalled", Int("interval", 600))

	deadline := time.Now().Add(2 * time.Second)
	for len(fs.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sent := fs.snapshot()
	if len(sent) != 1 {
		t.Fatalf("sent = %q, want exactly the warning", sent)
	}
	if !strings.HasPrefix(sent[0], "<b>WARN</b> · <code>scheduler</code>\nloop stalled") {
		t.Fatalf("alert = %q", sent[0])
	}

	fs.mu.Lock()
	to, opt := fs.to[0], fs.opts[0]
	fs.mu.Unlock()
	if to != (kit.ChatTarget{ChatID: -100, ThreadID: 9}) {
		t.Fatalf("target = %+v", to)
	}
	if opt == nil || opt.ParseMode != "HTML" {
		t.Fatalf("opts = %+v", opt)
	}
}

func TestServiceApplyFallsBackToConsole(t *testing.T) {
	t.Parallel()

	svc, log := New(Config{Level: "error"}, nil)
	t.Cleanup(func() { _ = svc.Close() })
	if log.Enabled(LevelWarn) {
		t.Fatal("warn enabled at error level")
	}
	svc.Apply(Config{Level: "debug"})
	if !log.Enabled(LevelDebug) {
		t.Fatal("Apply did not reach an existing logger")
	}
}
