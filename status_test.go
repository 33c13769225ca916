package spdy

import "testing"

func TestRstStatusWireV2OmitsV3OnlyCodes(t *testing.T) {
	for _, status := range []RSTStatusCode{InternalError, StreamInUse, StreamAlreadyClosed} {
		if _, err := rstStatusWire(Version2, status); err == nil {
			t.Errorf("status %d should have no SPDY/2 wire encoding", status)
		}
	}
}

func TestRstStatusWireSymbolRoundTrip(t *testing.T) {
	for version, table := range rstCodeTable {
		for symbol := range table {
			wire, err := rstStatusWire(version, symbol)
			if err != nil {
				t.Fatalf("rstStatusWire(%d, %d): %v", version, symbol, err)
			}
			if got := rstStatusSymbol(version, wire); got != symbol {
				t.Errorf("version %d: rstStatusSymbol(%d) = %d want %d", version, wire, got, symbol)
			}
		}
	}
}

func TestRstStatusSymbolUnknownWireIsInternalError(t *testing.T) {
	if got := rstStatusSymbol(Version3, 0xffff); got != InternalError {
		t.Errorf("unknown wire code = %d want InternalError", got)
	}
}
