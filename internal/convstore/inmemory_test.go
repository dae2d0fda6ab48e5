package convstore

import (
	"context"
	"testing"
)

func TestInMemorySettingsRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, err := s.SettingsFor(ctx, "alumno-1"); err != ErrProfileNotFound {
		t.Fatalf("SettingsFor on empty store = %v, want ErrProfileNotFound", err)
	}

	in := ProfileSettings{
		ProfileID:   "alumno-1",
		VoiceID:     "tiffany",
		Temperature: 0.5,
		MaxTokens:   512,
	}
	if err := s.SaveSettings(ctx, in); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	got, err := s.SettingsFor(ctx, "alumno-1")
	if err != nil {
		t.Fatalf("SettingsFor: %v", err)
	}
	if got.VoiceID != "tiffany" || got.MaxTokens != 512 {
		t.Fatalf("SettingsFor = %+v, want saved values", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("UpdatedAt not stamped on save")
	}
}

func TestInMemoryTranscriptOrderAndLimit(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	texts := []string{"hola", "hello", "how can I help", "fractions please"}
	for _, text := range texts {
		err := s.SaveTranscript(ctx, TranscriptRecord{SessionID: "sess", Text: text})
		if err != nil {
			t.Fatalf("SaveTranscript: %v", err)
		}
	}

	got, err := s.SessionTranscript(ctx, "sess", 2)
	if err != nil {
		t.Fatalf("SessionTranscript: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Text != "how can I help" || got[1].Text != "fractions please" {
		t.Fatalf("transcript tail = [%s, %s], want the two newest in order", got[0].Text, got[1].Text)
	}
	if got[0].ID == "" {
		t.Fatalf("record ID not assigned on save")
	}

	if recs, _ := s.SessionTranscript(ctx, "other", 10); recs != nil {
		t.Fatalf("unknown session transcript = %v, want nil", recs)
	}
}
