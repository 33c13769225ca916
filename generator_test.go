package spdy

import "testing"

func TestGeneratorSettingsRoundTrip(t *testing.T) {
	gen, parser, listener := newRoundTripPair(Version3)

	want := &SettingsFrame{
		Version:        Version3,
		ClearPersisted: true,
		Settings: []Setting{
			{Flag: SettingFlagPersistValue, ID: SettingMaxConcurrentStreams, Value: 100},
			{ID: SettingInitialWindowSize, Value: 65536},
		},
	}
	b, err := gen.Generate(want)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := parser.Feed(b); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	got := listener.frames[0].(*SettingsFrame)
	if !got.ClearPersisted {
		t.Error("ClearPersisted flag lost in round trip")
	}
	if len(got.Settings) != 2 {
		t.Fatalf("got %d settings want 2", len(got.Settings))
	}
	if got.Settings[0].ID != SettingMaxConcurrentStreams || got.Settings[0].Value != 100 {
		t.Errorf("settings[0] = %+v", got.Settings[0])
	}
	if got.Settings[1].ID != SettingInitialWindowSize || got.Settings[1].Value != 65536 {
		t.Errorf("settings[1] = %+v", got.Settings[1])
	}
}

func TestGeneratorRstStreamRoundTrip(t *testing.T) {
	gen, parser, listener := newRoundTripPair(Version3)

	want := &RstStreamFrame{Version: Version3, StreamID: 9, Status: CancelStream}
	b, err := gen.Generate(want)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := parser.Feed(b); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	got := listener.frames[0].(*RstStreamFrame)
	if got.StreamID != 9 || got.Status != CancelStream {
		t.Errorf("got %+v", got)
	}
}

func TestGeneratorRstStreamRejectsV3OnlyStatus(t *testing.T) {
	gen := NewGenerator(Version2)
	_, err := gen.Generate(&RstStreamFrame{Version: Version2, StreamID: 1, Status: StreamInUse})
	if err == nil {
		t.Fatal("expected an error encoding a SPDY/3-only status for a SPDY/2 peer")
	}
}

func TestGeneratorPingRoundTrip(t *testing.T) {
	gen, parser, listener := newRoundTripPair(Version3)

	want := &PingFrame{Version: Version3, ID: 42}
	b, err := gen.Generate(want)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	parser.Feed(b)
	got := listener.frames[0].(*PingFrame)
	if got.ID != 42 {
		t.Errorf("got ID %d want 42", got.ID)
	}
}

func TestGeneratorWindowUpdateRejectedOnV2(t *testing.T) {
	gen := NewGenerator(Version2)
	_, err := gen.Generate(&WindowUpdateFrame{Version: Version2, StreamID: 1, DeltaWindowSize: 10})
	if err == nil {
		t.Fatal("expected an error generating WINDOW_UPDATE for SPDY/2")
	}
}
