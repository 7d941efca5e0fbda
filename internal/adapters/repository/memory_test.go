package repository_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/okian/partners/internal/adapters/repository"
	"github.com/okian/partners/internal/adapters/repository/storetest"
	"github.com/okian/partners/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) repository.Store {
		return repository.NewMemoryStore()
	})
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()

	Convey("Given a memory store with a deterministic id generator", t, func() {
		n := 0
		s := repository.NewMemoryStore(repository.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		}))
		So(s.CreatePartner(ctx, model.Partner{ID: "p", Tier: model.TierBronze}), ShouldBeNil)

		Convey("When an event arrives without an id", func() {
			ev, _, err := s.AppendEvent(ctx, model.RatingEvent{PartnerID: "p", Type: model.EventEngagement}, model.CounterDelta{})
			So(err, ShouldBeNil)
			So(ev.ID, ShouldEqual, "id-1")
		})

		Convey("When the store is closed", func() {
			So(s.Close(), ShouldBeNil)
			_, err := s.GetPartner(ctx, "p")
			So(errors.Is(err, repository.ErrClosed), ShouldBeTrue)
			So(errors.Is(s.Ping(ctx), repository.ErrClosed), ShouldBeTrue)
		})

		Convey("When the context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := s.GetPartner(cctx, "p")
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
		})

		Convey("When a partner id is empty", func() {
			err := s.CreatePartner(ctx, model.Partner{})
			So(errors.Is(err, repository.ErrInvalidInput), ShouldBeTrue)
		})
	})
}
