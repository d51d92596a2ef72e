package vector

import (
	"errors"
	"testing"
)

func TestBuildParams_ClassicBitrate(t *testing.T) {
	block, err := BuildParams(BusConfig{Bitrate: 200_000})
	if err != nil {
		t.Fatalf("BuildParams failed: %v", err)
	}
	p, ok := block.(BitrateParams)
	if !ok {
		t.Fatalf("Expected BitrateParams, got %T", block)
	}
	if p.Bitrate != 200_000 {
		t.Errorf("Expected 200000, got %d", p.Bitrate)
	}
}

func TestBuildParams_ClassicNothing(t *testing.T) {
	block, err := BuildParams(BusConfig{})
	if err != nil {
		t.Fatalf("BuildParams failed: %v", err)
	}
	if block != nil {
		t.Errorf("Expected no parameter block, got %T", block)
	}
}

func TestBuildParams_Timing8MHz(t *testing.T) {
	block, err := BuildParams(BusConfig{Timing: &BitTiming{Clock: 8_000_000, Bitrate: 125_000, SJW: 1, Tseg1: 13, Tseg2: 2, Samples: 1}})
	if err != nil {
		t.Fatalf("BuildParams failed: %v", err)
	}
	p, ok := block.(C200Params)
	if !ok {
		t.Fatalf("Expected C200Params, got %T", block)
	}
	if p.BTR0 == 0 && p.BTR1 == 0 {
		t.Error("Expected nonzero timing registers")
	}
	// brp = 8MHz / (125k * 16) = 4
	if p.BTR0 != 0x03 {
		t.Errorf("Expected BTR0 0x03, got 0x%02X", p.BTR0)
	}
	if p.BTR1 != 0x1C {
		t.Errorf("Expected BTR1 0x1C, got 0x%02X", p.BTR1)
	}
}

func TestBuildParams_Timing8MHzThreeSamples(t *testing.T) {
	block, err := BuildParams(BusConfig{Timing: &BitTiming{Clock: 8_000_000, Bitrate: 500_000, SJW: 2, Tseg1: 12, Tseg2: 3, Samples: 3}})
	if err != nil {
		t.Fatalf("BuildParams failed: %v", err)
	}
	p := block.(C200Params)
	if p.BTR0 != 0x40 {
		t.Errorf("Expected BTR0 0x40, got 0x%02X", p.BTR0)
	}
	if p.BTR1 != 0xAB {
		t.Errorf("Expected BTR1 0xAB, got 0x%02X", p.BTR1)
	}
}

func TestBuildParams_Timing16MHz(t *testing.T) {
	block, err := BuildParams(BusConfig{Timing: &BitTiming{Clock: 16_000_000, Bitrate: 125_000, SJW: 1, Tseg1: 13, Tseg2: 2, Samples: 1}})
	if err != nil {
		t.Fatalf("BuildParams failed: %v", err)
	}
	p, ok := block.(ChipParams)
	if !ok {
		t.Fatalf("Expected ChipParams, got %T", block)
	}
	want := ChipParams{Bitrate: 125_000, SJW: 1, Tseg1: 13, Tseg2: 2, Sam: 1}
	if p != want {
		t.Errorf("Expected %+v, got %+v", want, p)
	}
}

func TestBuildParams_FDBitrateTimings(t *testing.T) {
	block, err := BuildParams(BusConfig{
		FD:          true,
		Bitrate:     500_000,
		DataBitrate: 2_000_000,
		SjwAbr:      16,
		Tseg1Abr:    127,
		Tseg2Abr:    32,
		SjwDbr:      6,
		Tseg1Dbr:    27,
		Tseg2Dbr:    12,
	})
	if err != nil {
		t.Fatalf("BuildParams failed: %v", err)
	}
	p, ok := block.(FDParams)
	if !ok {
		t.Fatalf("Expected FDParams, got %T", block)
	}
	conf := p.Conf()
	if conf.ArbitrationBitRate != 500_000 || conf.DataBitRate != 2_000_000 {
		t.Errorf("Unexpected bitrates %d/%d", conf.ArbitrationBitRate, conf.DataBitRate)
	}
	if conf.SjwAbr != 16 || conf.Tseg1Abr != 127 || conf.Tseg2Abr != 32 {
		t.Errorf("Unexpected arbitration segments %d/%d/%d", conf.SjwAbr, conf.Tseg1Abr, conf.Tseg2Abr)
	}
	if conf.SjwDbr != 6 || conf.Tseg1Dbr != 27 || conf.Tseg2Dbr != 12 {
		t.Errorf("Unexpected data segments %d/%d/%d", conf.SjwDbr, conf.Tseg1Dbr, conf.Tseg2Dbr)
	}
	if conf.Options != 0 {
		t.Errorf("Expected ISO framing, got options 0x%X", conf.Options)
	}
}

func TestBuildParams_TimingFD(t *testing.T) {
	block, err := BuildParams(BusConfig{
		FD: true,
		TimingFD: &BitTimingFD{
			Clock:   80_000_000,
			Nominal: PhaseTiming{Bitrate: 500_000, SJW: 10, Tseg1: 68, Tseg2: 11},
			Data:    PhaseTiming{Bitrate: 2_000_000, SJW: 8, Tseg1: 10, Tseg2: 9},
		},
	})
	if err != nil {
		t.Fatalf("BuildParams failed: %v", err)
	}
	p := block.(FDParams)
	want := FDParams{
		ArbitrationBitrate: 500_000, SjwAbr: 10, Tseg1Abr: 68, Tseg2Abr: 11,
		DataBitrate: 2_000_000, SjwDbr: 8, Tseg1Dbr: 10, Tseg2Dbr: 9,
	}
	if p != want {
		t.Errorf("Expected %+v, got %+v", want, p)
	}
}

func TestBuildParams_FDDefaults(t *testing.T) {
	block, err := BuildParams(BusConfig{FD: true})
	if err != nil {
		t.Fatalf("BuildParams failed: %v", err)
	}
	p := block.(FDParams)
	if p.ArbitrationBitrate != DefaultBitrate || p.DataBitrate != DefaultBitrate {
		t.Errorf("Expected default bitrates, got %d/%d", p.ArbitrationBitrate, p.DataBitrate)
	}
	if p.SjwAbr != 2 || p.Tseg1Abr != 6 || p.Tseg2Abr != 3 || p.SjwDbr != 2 || p.Tseg1Dbr != 6 || p.Tseg2Dbr != 3 {
		t.Errorf("Unexpected default segments %+v", p)
	}

	block, err = BuildParams(BusConfig{FD: true, Bitrate: 1_000_000, FDNonISO: true})
	if err != nil {
		t.Fatalf("BuildParams failed: %v", err)
	}
	p = block.(FDParams)
	if p.DataBitrate != 1_000_000 {
		t.Errorf("Data bitrate should follow bitrate, got %d", p.DataBitrate)
	}
	if p.OpMode() != 0x08 || p.Conf().Options != 0x08 {
		t.Errorf("Expected non-ISO op mode, got 0x%X", p.OpMode())
	}
}

func TestBuildParams_ConfigurationErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  BusConfig
	}{
		{"sjw too large", BusConfig{Timing: &BitTiming{Clock: 16_000_000, Bitrate: 125_000, SJW: 5, Tseg1: 13, Tseg2: 2}}},
		{"tseg1 too large", BusConfig{Timing: &BitTiming{Clock: 16_000_000, Bitrate: 125_000, SJW: 1, Tseg1: 17, Tseg2: 2}}},
		{"sjw above tseg2", BusConfig{Timing: &BitTiming{Clock: 16_000_000, Bitrate: 125_000, SJW: 3, Tseg1: 12, Tseg2: 2}}},
		{"unreachable bitrate", BusConfig{Timing: &BitTiming{Clock: 8_000_000, Bitrate: 333_333, SJW: 1, Tseg1: 13, Tseg2: 2}}},
		{"brp too large", BusConfig{Timing: &BitTiming{Clock: 16_000_000, Bitrate: 10_000, SJW: 1, Tseg1: 13, Tseg2: 2}}},
		{"bad samples", BusConfig{Timing: &BitTiming{Clock: 16_000_000, Bitrate: 125_000, SJW: 1, Tseg1: 13, Tseg2: 2, Samples: 2}}},
		{"zero clock", BusConfig{Timing: &BitTiming{Bitrate: 125_000, SJW: 1, Tseg1: 13, Tseg2: 2}}},
		{"fd data sjw", BusConfig{FD: true, SjwDbr: 17}},
		{"fd nominal tseg1", BusConfig{FD: true, Tseg1Abr: 257}},
		{"fd timing brp", BusConfig{FD: true, TimingFD: &BitTimingFD{
			Clock:   80_000_000,
			Nominal: PhaseTiming{Bitrate: 500_000, SJW: 10, Tseg1: 68, Tseg2: 12},
			Data:    PhaseTiming{Bitrate: 2_000_000, SJW: 8, Tseg1: 10, Tseg2: 9},
		}}},
		{"fd fields on classic", BusConfig{DataBitrate: 2_000_000}},
		{"classic timing on fd", BusConfig{FD: true, Timing: &BitTiming{Clock: 16_000_000, Bitrate: 125_000, SJW: 1, Tseg1: 13, Tseg2: 2}}},
		{"conflicting bitrate", BusConfig{Bitrate: 250_000, Timing: &BitTiming{Clock: 16_000_000, Bitrate: 125_000, SJW: 1, Tseg1: 13, Tseg2: 2}}},
		{"bad output", BusConfig{Output: OutputMode(7)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildParams(tc.cfg)
			var cfgErr ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Errorf("Expected ConfigurationError, got %v", err)
			}
		})
	}
}

func TestParseOutputMode(t *testing.T) {
	cases := map[string]OutputMode{
		"":            OutputNormal,
		"normal":      OutputNormal,
		"Loopback":    OutputLoopback,
		"silent":      OutputSilent,
		"listen_only": OutputSilent,
	}
	for in, want := range cases {
		got, err := ParseOutputMode(in)
		if err != nil || got != want {
			t.Errorf("%q: expected %s, got %s (%v)", in, want, got, err)
		}
	}
	if _, err := ParseOutputMode("bogus"); err == nil {
		t.Error("Expected error for unknown mode")
	}
}
