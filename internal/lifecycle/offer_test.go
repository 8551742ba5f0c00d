package lifecycle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/assist-dispatch/internal/models"
)

func TestAcceptHappyPath(t *testing.T) {
	s := NewOfferStore()
	off := s.Create("r1", "w1", 2.1, 30*time.Second)
	got, err := s.Accept(off.ID, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.OfferAccepted || got.RespondedAt == nil {
		t.Fatalf("bad accepted offer: %+v", got)
	}
}

func TestAcceptWrongWorker(t *testing.T) {
	s := NewOfferStore()
	off := s.Create("r1", "w1", 2.1, 30*time.Second)
	if _, err := s.Accept(off.ID, "w2"); !errors.Is(err, ErrWorkerMismatch) {
		t.Fatalf("expected worker mismatch, got %v", err)
	}
}

func TestAcceptUnknownOffer(t *testing.T) {
	s := NewOfferStore()
	if _, err := s.Accept("nope", "w1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAcceptAfterDeclineRejected(t *testing.T) {
	s := NewOfferStore()
	off := s.Create("r1", "w1", 2.1, 30*time.Second)
	if _, err := s.Decline(off.ID, "w1", "busy"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Accept(off.ID, "w1"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected already terminal, got %v", err)
	}
}

func TestDeclineRecordsReason(t *testing.T) {
	s := NewOfferStore()
	off := s.Create("r1", "w1", 2.1, 30*time.Second)
	got, err := s.Decline(off.ID, "w1", "too far")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.OfferDeclined || got.DeclineReason != "too far" {
		t.Fatalf("bad declined offer: %+v", got)
	}
}

func TestExpireLosesAgainstEarlierAccept(t *testing.T) {
	s := NewOfferStore()
	off := s.Create("r1", "w1", 2.1, time.Millisecond)
	if _, err := s.Accept(off.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, expired := s.Expire(off.ID); expired {
		t.Fatal("expiry overwrote an accepted offer")
	}
	got, _ := s.Get(off.ID)
	if got.State != models.OfferAccepted {
		t.Fatalf("state clobbered: %s", got.State)
	}
}

func TestAcceptLosesAgainstEarlierExpiry(t *testing.T) {
	s := NewOfferStore()
	off := s.Create("r1", "w1", 2.1, time.Millisecond)
	if _, expired := s.Expire(off.ID); !expired {
		t.Fatal("expected expiry to land")
	}
	if _, err := s.Accept(off.ID, "w1"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected already terminal, got %v", err)
	}
}

// the sweep and an accept racing each other must agree on exactly one winner
func TestSweepRacesAccept(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := NewOfferStore()
		off := s.Create("r1", "w1", 2.1, -time.Second) // already past deadline

		var wg sync.WaitGroup
		var acceptErr error
		var swept []models.JobOffer
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = s.Accept(off.ID, "w1")
		}()
		go func() {
			defer wg.Done()
			swept = s.SweepExpired(time.Now())
		}()
		wg.Wait()

		got, _ := s.Get(off.ID)
		if acceptErr == nil && len(swept) > 0 {
			t.Fatalf("both accept and sweep won: state=%s", got.State)
		}
		if acceptErr != nil && len(swept) == 0 {
			t.Fatalf("neither accept nor sweep won: state=%s err=%v", got.State, acceptErr)
		}
	}
}

func TestSweepExpiredOnlyPastDeadline(t *testing.T) {
	s := NewOfferStore()
	stale := s.Create("r1", "w1", 2.1, -time.Second)
	fresh := s.Create("r2", "w2", 3.0, time.Hour)

	expired := s.SweepExpired(time.Now())
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("wrong sweep result: %+v", expired)
	}
	got, _ := s.Get(fresh.ID)
	if got.State != models.OfferOffered {
		t.Fatalf("fresh offer expired: %s", got.State)
	}
}

func TestSupersedeOpenKeepsWinner(t *testing.T) {
	s := NewOfferStore()
	winner := s.Create("r1", "w1", 2.1, 30*time.Second)
	loser := s.Create("r1", "w2", 4.4, 30*time.Second)
	_, _ = s.Accept(winner.ID, "w1")

	closed := s.SupersedeOpen("r1", winner.ID)
	if len(closed) != 1 || closed[0].ID != loser.ID {
		t.Fatalf("wrong superseded set: %+v", closed)
	}
	got, _ := s.Get(winner.ID)
	if got.State != models.OfferAccepted {
		t.Fatalf("winner clobbered: %s", got.State)
	}
}

func TestRevertAccept(t *testing.T) {
	s := NewOfferStore()
	off := s.Create("r1", "w1", 2.1, 30*time.Second)
	_, _ = s.Accept(off.ID, "w1")
	s.RevertAccept(off.ID)
	got, _ := s.Get(off.ID)
	if got.State != models.OfferSuperseded {
		t.Fatalf("expected superseded after revert, got %s", got.State)
	}
}

func TestOfferActiveForWorker(t *testing.T) {
	s := NewOfferStore()
	off := s.Create("r1", "w1", 2.1, 30*time.Second)
	if got, ok := s.ActiveForWorker("w1"); !ok || got.ID != off.ID {
		t.Fatalf("expected active offer, got %v %+v", ok, got)
	}
	_, _ = s.Decline(off.ID, "w1", "busy")
	if _, ok := s.ActiveForWorker("w1"); ok {
		t.Fatal("declined offer still active")
	}
}
