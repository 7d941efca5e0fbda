package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/okian/partners/internal/domain/errs"
	. "github.com/smartystreets/goconvey/convey"
)

func TestErrorClassification(t *testing.T) {
	Convey("Given a classified error", t, func() {
		cause := errors.New("reason too short")
		err := errs.Wrap("achievement.award", errs.ErrValidation, cause)

		Convey("Then both kind and cause are reachable", func() {
			So(errors.Is(err, errs.ErrValidation), ShouldBeTrue)
			So(errors.Is(err, cause), ShouldBeTrue)
			So(errs.Is(err, errs.ErrNotFound), ShouldBeFalse)
			So(err.Error(), ShouldEqual, "achievement.award: validation failed: reason too short")
		})

		Convey("Then wrapping again with fmt keeps the kind", func() {
			outer := fmt.Errorf("http: %w", err)
			So(errs.KindOf(outer), ShouldEqual, errs.ErrValidation)

			var target *errs.Error
			So(errors.As(outer, &target), ShouldBeTrue)
			So(target.Op, ShouldEqual, "achievement.award")
		})
	})

	Convey("Given helpers", t, func() {
		So(errs.Wrap("op", errs.ErrInternal, nil), ShouldBeNil)
		So(errs.KindOf(errors.New("plain")), ShouldEqual, errs.ErrInternal)
		So(errs.KindOf(errs.New("store.get", errs.ErrNotFound, "partner %s", "p-1")), ShouldEqual, errs.ErrNotFound)
		So((&errs.Error{Op: "x", Kind: errs.ErrConflict}).Error(), ShouldEqual, "x: conflict")
	})

	Convey("Given package sentinels built on a kind", t, func() {
		errMissing := errs.Sentinel(errs.ErrNotFound, "record not found")
		wrapped := fmt.Errorf("%w: partner p-1", errMissing)

		Convey("Then they keep their own message and classify under the kind", func() {
			So(errMissing.Error(), ShouldEqual, "record not found")
			So(errors.Is(wrapped, errMissing), ShouldBeTrue)
			So(errs.KindOf(wrapped), ShouldEqual, errs.ErrNotFound)
		})

		Convey("Then Classify lifts them into an *Error", func() {
			err := errs.Classify("rating.recalculate", wrapped)
			var target *errs.Error
			So(errors.As(err, &target), ShouldBeTrue)
			So(target.Kind, ShouldEqual, errs.ErrNotFound)
			So(err.Error(), ShouldEqual, "rating.recalculate: not found: record not found: partner p-1")
		})

		Convey("Then already classified errors pass through", func() {
			inner := errs.New("store.get", errs.ErrConflict, "busy")
			So(errs.Classify("outer", inner), ShouldEqual, inner)
			So(errs.Classify("outer", nil), ShouldBeNil)
			So(errs.KindOf(errs.Classify("outer", errors.New("disk full"))), ShouldEqual, errs.ErrInternal)
		})
	})
}
