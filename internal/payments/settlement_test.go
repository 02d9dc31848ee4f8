package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeCharger struct {
	err    error
	charge int64
}

func (f *fakeCharger) Charge(ctx context.Context, amount int64, currency, description string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.charge = amount
	return "pi_test", nil
}

func TestSettleCashSplitsWithoutCharge(t *testing.T) {
	c := &fakeCharger{}
	s := &CommissionSettler{Charger: c, CommissionPercent: 25}

	out, err := s.Settle(context.Background(), "d1", "t1", 1600, "usd", "cash")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if out.DriverEarnings != 1200 || out.PlatformCommission != 400 {
		t.Fatalf("want 1200/400 split, got %d/%d", out.DriverEarnings, out.PlatformCommission)
	}
	if out.PaymentRef != "" || c.charge != 0 {
		t.Fatal("cash settlement must not hit the processor")
	}
}

func TestSettleCardChargesBeforeSplit(t *testing.T) {
	c := &fakeCharger{}
	s := &CommissionSettler{Charger: c, CommissionPercent: 25}

	out, err := s.Settle(context.Background(), "d1", "t1", 2400, "usd", "card")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if c.charge != 2400 {
		t.Fatalf("want full total charged, got %d", c.charge)
	}
	if out.PaymentRef != "pi_test" {
		t.Fatalf("want payment ref recorded, got %q", out.PaymentRef)
	}
	if out.DriverEarnings+out.PlatformCommission != 2400 {
		t.Fatal("split must cover the full total")
	}
}

func TestSettleCardFailurePropagates(t *testing.T) {
	boom := errors.New("card declined")
	s := &CommissionSettler{Charger: &fakeCharger{err: boom}, CommissionPercent: 25}

	if _, err := s.Settle(context.Background(), "d1", "t1", 2400, "usd", "card"); !errors.Is(err, boom) {
		t.Fatalf("want charge error surfaced, got %v", err)
	}
}
