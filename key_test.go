package vas

import (
	"encoding/json"
	"testing"
)

func TestKeyHex(t *testing.T) {
	k := Chunk("some payload").Key()

	got, err := KeyFromHex(k.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != k {
		t.Errorf("got %s, want %s", got, k)
	}

	if _, err = KeyFromHex("abc"); err == nil {
		t.Error("short hex string accepted")
	}
	if _, err = KeyFromHex(k.String()[:62] + "zz"); err == nil {
		t.Error("non-hex string accepted")
	}
}

func TestKeyZero(t *testing.T) {
	var k Key
	if !k.IsZero() {
		t.Error("zero value is not zero")
	}
	if Chunk(nil).Key().IsZero() {
		t.Error("hash of empty payload is zero")
	}
}

func TestKeyJSONMapKey(t *testing.T) {
	k := Chunk("payload").Key()
	m := map[string]Key{"0.1": k}

	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]Key
	if err = json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back["0.1"] != k {
		t.Errorf("got %s, want %s", back["0.1"], k)
	}
}
