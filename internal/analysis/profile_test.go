package analysis

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/spectra/internal/agent"
)

func TestProfile(t *testing.T) {
	h := newHarness(t, text("```json\n{\"summary\": \"Monthly sales by region.\", \"suggestions\": [\"Which region sells most?\", \" \", \"How do sales trend?\"]}\n```"))
	ctx := context.Background()
	if _, err := h.service.Upload(ctx, strings.NewReader("date,region,sales\n2023-01,North,10\n")); err != nil {
		t.Fatal(err)
	}

	profile := h.service.Profile(ctx)
	if profile.Summary != "Monthly sales by region." {
		t.Errorf("summary = %q", profile.Summary)
	}
	want := []string{"Which region sells most?", "How do sales trend?"}
	if !reflect.DeepEqual(profile.Suggestions, want) {
		t.Errorf("suggestions = %v", profile.Suggestions)
	}

	req := h.provider.requests[0]
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Error("profile request should use temperature 0")
	}
	if len(req.Tools) != 0 {
		t.Error("profile request should not offer tools")
	}
	if !strings.Contains(req.Messages[0].Content, "- sales (integer)") {
		t.Errorf("prompt missing schema:\n%s", req.Messages[0].Content)
	}
}

func TestProfile_Fallback(t *testing.T) {
	fallback := FallbackProfile()

	t.Run("no dataset", func(t *testing.T) {
		h := newHarness(t, text(`{"summary":"x","suggestions":["y"]}`))
		if got := h.service.Profile(context.Background()); !reflect.DeepEqual(got, fallback) {
			t.Errorf("profile = %+v", got)
		}
		if len(h.provider.requests) != 0 {
			t.Error("model called without a dataset")
		}
	})

	t.Run("model error", func(t *testing.T) {
		h := newHarness(t)
		h.provider.err = errors.New("boom")
		h.service.Upload(context.Background(), strings.NewReader("a\n1\n"))
		if got := h.service.Profile(context.Background()); !reflect.DeepEqual(got, fallback) {
			t.Errorf("profile = %+v", got)
		}
	})

	t.Run("unparseable", func(t *testing.T) {
		h := newHarness(t, text("I think this is sales data."))
		h.service.Upload(context.Background(), strings.NewReader("a\n1\n"))
		if got := h.service.Profile(context.Background()); !reflect.DeepEqual(got, fallback) {
			t.Errorf("profile = %+v", got)
		}
	})
}

func TestProfile_OversizedReplyReleasesStream(t *testing.T) {
	big := strings.Repeat("x", maxProfileResponseBytes/2+1)
	chunks := make([]agent.CompletionChunk, 6)
	for i := range chunks {
		chunks[i] = agent.CompletionChunk{Text: big}
	}
	h := newHarness(t, chunks)
	h.provider.streamed = make(chan struct{})
	h.service.Upload(context.Background(), strings.NewReader("a\n1\n"))

	if got := h.service.Profile(context.Background()); !reflect.DeepEqual(got, FallbackProfile()) {
		t.Errorf("profile = %+v", got)
	}
	select {
	case <-h.provider.streamed:
	case <-time.After(2 * time.Second):
		t.Fatal("provider stream left blocked after the size limit was hit")
	}
}

func TestParseProfile(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		wantSug int
	}{
		{name: "bare", input: `{"summary":"s","suggestions":["a","b"]}`, wantSug: 2},
		{name: "prose around json", input: "Here you go:\n{\"summary\":\"s\",\"suggestions\":[\"a\"]}\nEnjoy", wantSug: 1},
		{name: "no suggestions", input: `{"summary":"s"}`, wantSug: len(FallbackProfile().Suggestions)},
		{name: "empty summary", input: `{"summary":" ","suggestions":["a"]}`, wantErr: true},
		{name: "not json", input: "nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProfile(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(got.Suggestions) != tt.wantSug {
				t.Errorf("suggestions = %v", got.Suggestions)
			}
		})
	}
}
