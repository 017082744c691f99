package crypto

import (
	"bytes"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	if len(key.PublicKey()) != 33 {
		t.Errorf("PublicKey() length = %d, want 33", len(key.PublicKey()))
	}
	if len(key.UncompressedPublicKey()) != 65 {
		t.Errorf("UncompressedPublicKey() length = %d, want 65", len(key.UncompressedPublicKey()))
	}
	if len(key.Serialize()) != 32 {
		t.Errorf("Serialize() length = %d, want 32", len(key.Serialize()))
	}
}

func TestPrivateKeyFromBytes(t *testing.T) {
	original, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	restored, err := PrivateKeyFromBytes(original.Serialize())
	if err != nil {
		t.Fatalf("PrivateKeyFromBytes() error: %v", err)
	}
	if !bytes.Equal(original.PublicKey(), restored.PublicKey()) {
		t.Error("restored key should have same public key")
	}

	for _, n := range []int{0, 31, 33} {
		if _, err := PrivateKeyFromBytes(make([]byte, n)); err == nil {
			t.Errorf("PrivateKeyFromBytes(%d bytes) should fail", n)
		}
	}
}

func TestToECDSA_MatchesGeth(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	want, err := ethcrypto.ToECDSA(key.Serialize())
	if err != nil {
		t.Fatalf("ToECDSA: %v", err)
	}
	got := key.ToECDSA()
	if ethcrypto.PubkeyToAddress(got.PublicKey) != ethcrypto.PubkeyToAddress(want.PublicKey) {
		t.Error("ToECDSA address differs from go-ethereum derivation")
	}
}

func TestBTCEC_SharesScalar(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	if !bytes.Equal(key.BTCEC().PubKey().SerializeCompressed(), key.PublicKey()) {
		t.Error("BTCEC public key differs")
	}
}
