package hash

import (
	"strings"
	"testing"
)

func TestKey(t *testing.T) {
	k1 := Key("GET", "/get_corpora")
	if k1 != Key("GET", "/get_corpora") {
		t.Error("Key not deterministic")
	}
	if len(k1) != 32 {
		t.Errorf("len(Key) = %d, want 32", len(k1))
	}
	if Key("ab", "c") == Key("a", "bc") {
		t.Error("Key should separate part boundaries")
	}
	if strings.ContainsAny(k1, "/:") {
		t.Errorf("Key(%q) should be hex", k1)
	}
	if want := "f6ec1f0c853a5e9bd69199e7687a5750"; k1 != want {
		t.Errorf("Key(GET, /get_corpora) = %s, want %s", k1, want)
	}
}
