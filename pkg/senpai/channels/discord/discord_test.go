package discord

import (
	"strings"
	"testing"
	"unicode/utf8"

	"senpai/pkg/senpai/channels"
)

func TestStripMention(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain mention", "<@123> 宿題やった？", "宿題やった？"},
		{"nickname mention", "<@!123> 宿題やった？", "宿題やった？"},
		{"trailing mention", "おーい <@123>", "おーい"},
		{"no mention", "ただのメッセージ", "ただのメッセージ"},
		{"other user mention kept", "<@456> も見てる", "<@456> も見てる"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripMention(tt.in, "123"); got != tt.want {
				t.Errorf("stripMention(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitMessageShortTextUnchanged(t *testing.T) {
	chunks := splitMessage("short", 2000)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	text := strings.Repeat("a", 1500) + "\n" + strings.Repeat("b", 1000)
	chunks := splitMessage(text, 2000)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Error("first chunk does not end at the newline boundary")
	}
	if chunks[1] != strings.Repeat("b", 1000) {
		t.Error("second chunk does not start after the newline")
	}
}

func TestSplitMessageHardCutWithoutNewlines(t *testing.T) {
	text := strings.Repeat("x", 4500)
	chunks := splitMessage(text, 2000)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 2000 {
			t.Errorf("chunk %d has %d bytes", i, len(c))
		}
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not reassemble into the original text")
	}
}

func TestSplitMessageKeepsRunesIntact(t *testing.T) {
	// 4500 three-byte runes: a byte-offset cut would land mid-sequence
	// and the limit would trip at ~666 characters instead of 2000.
	text := strings.Repeat("あ", 4500)
	chunks := splitMessage(text, 2000)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
		if n := utf8.RuneCountInString(c); n > 2000 {
			t.Errorf("chunk %d has %d characters", i, n)
		}
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not reassemble into the original text")
	}
}

func TestToDiscordEmbed(t *testing.T) {
	embed := toDiscordEmbed(&channels.Embed{
		Title:       "タスク一覧",
		Description: "3件",
		Color:       0x5865F2,
		Fields: []channels.EmbedField{
			{Name: "進捗", Value: "40%", Inline: true},
		},
	})
	if embed.Title != "タスク一覧" || embed.Color != 0x5865F2 {
		t.Errorf("embed = %+v", embed)
	}
	if len(embed.Fields) != 1 || embed.Fields[0].Name != "進捗" || !embed.Fields[0].Inline {
		t.Errorf("fields = %+v", embed.Fields)
	}
}
