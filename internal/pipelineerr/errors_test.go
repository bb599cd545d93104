package pipelineerr

import (
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestPipelineErr(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pipelineerr Suite")
}

var _ = Describe("PipelineError", func() {
	Describe("basic error creation", func() {
		It("should create error with correct properties", func() {
			err := New(ErrorTypeSourceMalformed, "unparseable row")

			Expect(err.Type).To(Equal(ErrorTypeSourceMalformed))
			Expect(err.Message).To(Equal("unparseable row"))
			Expect(err.Details).To(BeEmpty())
			Expect(err.Cause).To(BeNil())
		})

		It("should implement the error interface correctly", func() {
			err := New(ErrorTypeSourceMalformed, "unparseable row")

			Expect(err.Error()).To(Equal("source_malformed: unparseable row"))
		})

		It("should include details in the error string when present", func() {
			err := New(ErrorTypeSourceMalformed, "unparseable row").WithDetails("missing permit_number")

			Expect(err.Error()).To(Equal("source_malformed: unparseable row (missing permit_number)"))
		})
	})

	Describe("error wrapping", func() {
		It("should wrap an underlying error", func() {
			originalErr := errors.New("connection reset")
			wrapped := Wrap(originalErr, ErrorTypeSourceUnavailable, "scrape failed")

			Expect(wrapped.Type).To(Equal(ErrorTypeSourceUnavailable))
			Expect(wrapped.Message).To(Equal("scrape failed"))
			Expect(wrapped.Cause).To(Equal(originalErr))
			Expect(wrapped.Unwrap()).To(Equal(originalErr))
		})

		It("should format a wrapped error with arguments", func() {
			originalErr := errors.New("timeout")
			wrapped := Wrapf(originalErr, ErrorTypeSourceUnavailable, "failed to scrape %s after %d attempts", "austin", 3)

			Expect(wrapped.Message).To(Equal("failed to scrape austin after 3 attempts"))
			Expect(wrapped.Cause).To(Equal(originalErr))
		})
	})

	Describe("adding details", func() {
		It("should add details to an existing error in place", func() {
			err := New(ErrorTypeMatcherError, "client pipeline failed")
			detailed := err.WithDetails("client_id=acme-roofing")

			Expect(detailed.Details).To(Equal("client_id=acme-roofing"))
			Expect(detailed).To(BeIdenticalTo(err))
		})

		It("should add formatted details", func() {
			err := New(ErrorTypeMatcherError, "client pipeline failed")
			detailed := err.WithDetailsf("client_id=%s, stage=%s", "acme-roofing", "semantic-rank")

			Expect(detailed.Details).To(Equal("client_id=acme-roofing, stage=semantic-rank"))
		})
	})

	Describe("severity classification", func() {
		It("should classify contained errors", func() {
			Expect(SeverityOf(ErrorTypeSourceUnavailable)).To(Equal(SeverityContained))
			Expect(SeverityOf(ErrorTypeSourceMalformed)).To(Equal(SeverityContained))
			Expect(SeverityOf(ErrorTypeMatcherError)).To(Equal(SeverityContained))
			Expect(SeverityOf(ErrorTypeDeliveryFailure)).To(Equal(SeverityContained))
			Expect(SeverityOf(ErrorTypeLedgerError)).To(Equal(SeverityContained))
		})

		It("should classify escalating errors", func() {
			Expect(SeverityOf(ErrorTypeIndexMissing)).To(Equal(SeverityEscalate))
			Expect(SeverityOf(ErrorTypeIndexInconsistent)).To(Equal(SeverityEscalate))
		})

		It("should classify the fatal error", func() {
			Expect(SeverityOf(ErrorTypeResolverInvariantViolation)).To(Equal(SeverityFatal))
		})

		It("should default unknown types to contained", func() {
			Expect(SeverityOf(ErrorType("unknown"))).To(Equal(SeverityContained))
		})
	})

	Describe("IsFatal", func() {
		It("should report true for a resolver invariant violation", func() {
			err := New(ErrorTypeResolverInvariantViolation, "permit assigned twice")
			Expect(IsFatal(err)).To(BeTrue())
		})

		It("should report false for a contained error type", func() {
			err := New(ErrorTypeMatcherError, "client pipeline failed")
			Expect(IsFatal(err)).To(BeFalse())
		})

		It("should report false for a non-PipelineError", func() {
			Expect(IsFatal(errors.New("regular error"))).To(BeFalse())
		})
	})

	Describe("error type checking", func() {
		It("should correctly identify error types", func() {
			sourceErr := New(ErrorTypeSourceUnavailable, "test")
			ledgerErr := New(ErrorTypeLedgerError, "test")

			Expect(IsType(sourceErr, ErrorTypeSourceUnavailable)).To(BeTrue())
			Expect(IsType(sourceErr, ErrorTypeLedgerError)).To(BeFalse())
			Expect(IsType(ledgerErr, ErrorTypeLedgerError)).To(BeTrue())
		})

		It("should handle non-PipelineError types", func() {
			regularErr := errors.New("regular error")

			Expect(IsType(regularErr, ErrorTypeSourceUnavailable)).To(BeFalse())
			Expect(GetType(regularErr)).To(Equal(ErrorType("")))
		})
	})

	Describe("logging fields", func() {
		It("should generate structured logging fields", func() {
			originalErr := errors.New("connection refused")
			pe := Wrapf(originalErr, ErrorTypeSourceUnavailable, "scrape failed").
				WithDetails("source=austin")

			fields := LogFields(pe)

			Expect(fields).To(HaveKey("error"))
			Expect(fields).To(HaveKey("error_type"))
			Expect(fields).To(HaveKey("severity"))
			Expect(fields).To(HaveKey("error_details"))
			Expect(fields).To(HaveKey("underlying_error"))

			Expect(fields["error_type"]).To(Equal("source_unavailable"))
			Expect(fields["severity"]).To(Equal("contained"))
			Expect(fields["error_details"]).To(Equal("source=austin"))
			Expect(fields["underlying_error"]).To(Equal("connection refused"))
		})

		It("should handle a simple PipelineError without details", func() {
			err := New(ErrorTypeMatcherError, "client pipeline failed")
			fields := LogFields(err)

			Expect(fields).To(HaveKey("error"))
			Expect(fields).To(HaveKey("error_type"))
			Expect(fields).NotTo(HaveKey("error_details"))
			Expect(fields).NotTo(HaveKey("underlying_error"))
		})

		It("should handle regular errors", func() {
			err := errors.New("regular error")
			fields := LogFields(err)

			Expect(fields).To(HaveKey("error"))
			Expect(fields).NotTo(HaveKey("error_type"))
		})
	})

	Describe("error type constants", func() {
		It("should have all expected error types defined", func() {
			expectedTypes := []ErrorType{
				ErrorTypeSourceUnavailable,
				ErrorTypeSourceMalformed,
				ErrorTypeIndexMissing,
				ErrorTypeIndexInconsistent,
				ErrorTypeMatcherError,
				ErrorTypeResolverInvariantViolation,
				ErrorTypeDeliveryFailure,
				ErrorTypeLedgerError,
			}

			for _, errorType := range expectedTypes {
				Expect(string(errorType)).NotTo(BeEmpty())
			}
		})
	})
})
