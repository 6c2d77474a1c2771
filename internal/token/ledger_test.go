package token_test

import (
	"errors"
	"testing"

	"KamSettle/internal/token"
)

func TestLedger_MintTracksSupply(t *testing.T) {
	l := token.NewLedger()
	if err := l.Mint("kUSDC", "alice", 1_000); err != nil {
		t.Fatal(err)
	}
	if err := l.Mint("kUSDC", "bob", 500); err != nil {
		t.Fatal(err)
	}

	if got := l.Balance("kUSDC", "alice"); got != 1_000 {
		t.Errorf("alice: got %d, want 1_000", got)
	}
	if got := l.TotalSupply("kUSDC"); got != 1_500 {
		t.Errorf("supply: got %d, want 1_500", got)
	}
}

func TestLedger_BurnReducesSupply(t *testing.T) {
	l := token.NewLedger()
	l.Mint("kUSDC", "alice", 1_000)

	if err := l.Burn("kUSDC", "alice", 400); err != nil {
		t.Fatal(err)
	}
	if got := l.TotalSupply("kUSDC"); got != 600 {
		t.Errorf("supply: got %d, want 600", got)
	}

	if err := l.Burn("kUSDC", "alice", 601); !errors.Is(err, token.ErrInsufficientBalance) {
		t.Errorf("overburn: got %v, want ErrInsufficientBalance", err)
	}
}

func TestLedger_TransferConservesSupply(t *testing.T) {
	l := token.NewLedger()
	l.Mint("USDC", "alice", 1_000)

	if err := l.Transfer("USDC", "alice", "bob", 300); err != nil {
		t.Fatal(err)
	}
	if got := l.Balance("USDC", "alice"); got != 700 {
		t.Errorf("alice: got %d, want 700", got)
	}
	if got := l.Balance("USDC", "bob"); got != 300 {
		t.Errorf("bob: got %d, want 300", got)
	}
	if got := l.TotalSupply("USDC"); got != 1_000 {
		t.Errorf("supply changed on transfer: got %d, want 1_000", got)
	}
}

func TestLedger_TransferInsufficient(t *testing.T) {
	l := token.NewLedger()
	l.Mint("USDC", "alice", 100)
	if err := l.Transfer("USDC", "alice", "bob", 200); !errors.Is(err, token.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestLedger_RejectsNonPositiveAmounts(t *testing.T) {
	l := token.NewLedger()
	if err := l.Mint("USDC", "alice", 0); !errors.Is(err, token.ErrZeroAmount) {
		t.Errorf("mint 0: got %v, want ErrZeroAmount", err)
	}
	if err := l.Transfer("USDC", "a", "b", -5); !errors.Is(err, token.ErrZeroAmount) {
		t.Errorf("negative transfer: got %v, want ErrZeroAmount", err)
	}
}

func TestLedger_RestoreRebuildsSupply(t *testing.T) {
	l := token.NewLedger()
	l.Restore("kUSDC", "alice", 700)
	l.Restore("kUSDC", "bob", 300)

	if got := l.TotalSupply("kUSDC"); got != 1_000 {
		t.Errorf("supply: got %d, want 1_000", got)
	}

	// Restoring the same cell replaces, not accumulates.
	l.Restore("kUSDC", "alice", 500)
	if got := l.TotalSupply("kUSDC"); got != 800 {
		t.Errorf("supply after re-restore: got %d, want 800", got)
	}
}
