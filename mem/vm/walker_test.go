package vm

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/virtcore/x86mmu/arch"
	"github.com/virtcore/x86mmu/mem/phys"
)

func longModeCtx(root uint64) TranslationContext {
	return TranslationContext{
		Mode:   arch.ModeLong,
		Paging: true,
		PAE:    true,
		Root:   root,
	}
}

var _ = Describe("Walker", func() {
	var (
		storage *phys.Storage
		walker  *Walker
	)

	BeforeEach(func() {
		storage = phys.NewStorage(1 << 21)
		walker = NewWalker(storage)
	})

	Context("without a context set", func() {
		It("should identity map, wrapping at 1 MiB", func() {
			paddr, err := walker.Translate(0x1234, Intent{}, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint64(0x1234)))

			paddr, err = walker.Translate(0x10_1234, Intent{}, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint64(0x1234)))
		})
	})

	Context("in real mode", func() {
		It("should identity map", func() {
			walker.SetContext(ContextFromState(arch.CPUState{}))

			paddr, err := walker.Translate(0x7C00, Intent{Kind: AccessFetch}, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint64(0x7C00)))
		})
	})

	Context("in protected mode with paging disabled", func() {
		It("should identity map within 32 bits", func() {
			walker.SetContext(ContextFromState(
				arch.CPUState{CR0: arch.CR0PE}))

			paddr, err := walker.Translate(
				0x1_2345_6789, Intent{Kind: AccessRead}, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint64(0x2345_6789)))
		})
	})

	Context("in 32-bit paged protected mode", func() {
		var ctx TranslationContext

		BeforeEach(func() {
			ctx = TranslationContext{
				Mode:   arch.ModeProtected,
				Paging: true,
				Root:   0x1000,
			}

			builder := NewTableBuilder(storage, ctx, 0x10000)
			Expect(builder.Map(0x0040_0000, 0x5000, true, false)).
				To(Succeed())
			Expect(builder.Map(0x0040_1000, 0x8000, false, true)).
				To(Succeed())

			walker.SetContext(ctx)
		})

		It("should walk the two-level table", func() {
			paddr, err := walker.Translate(
				0x0040_0123, Intent{Kind: AccessRead}, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint64(0x5123)))
		})

		It("should fault on a non-present page", func() {
			_, err := walker.Translate(
				0x0080_0000, Intent{Kind: AccessRead}, false)

			var fault *Fault
			Expect(errors.As(err, &fault)).To(BeTrue())
			Expect(fault.LinearAddr).To(Equal(uint64(0x0080_0000)))
		})

		It("should fault on a write to a read-only page", func() {
			_, err := walker.Translate(
				0x0040_1000, Intent{Kind: AccessWrite}, false)
			Expect(err).To(HaveOccurred())
		})

		It("should fault on user access to a supervisor page", func() {
			_, err := walker.Translate(
				0x0040_0000, Intent{Kind: AccessRead, User: true}, false)
			Expect(err).To(HaveOccurred())
		})

		It("should allow user access to a user page", func() {
			paddr, err := walker.Translate(
				0x0040_1000, Intent{Kind: AccessRead, User: true}, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint64(0x8000)))
		})
	})

	Context("in PAE protected mode", func() {
		BeforeEach(func() {
			ctx := TranslationContext{
				Mode:   arch.ModeProtected,
				Paging: true,
				PAE:    true,
				Root:   0x1000,
			}

			builder := NewTableBuilder(storage, ctx, 0x10000)
			Expect(builder.Map(0x4000_0000, 0x6000, true, false)).
				To(Succeed())

			walker.SetContext(ctx)
		})

		It("should walk the three-level table", func() {
			paddr, err := walker.Translate(
				0x4000_0ABC, Intent{Kind: AccessRead}, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint64(0x6ABC)))
		})

		It("should fault outside the mapped region", func() {
			_, err := walker.Translate(
				0x4000_1000, Intent{Kind: AccessRead}, false)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("in long mode", func() {
		BeforeEach(func() {
			ctx := longModeCtx(0x1000)

			builder := NewTableBuilder(storage, ctx, 0x10000)
			Expect(builder.Map(0x0000, 0x5000, true, false)).To(Succeed())
			Expect(builder.Map(0x1000, 0x6000, true, false)).To(Succeed())

			walker.SetContext(ctx)
		})

		It("should walk the four-level table", func() {
			paddr, err := walker.Translate(
				0x0FED, Intent{Kind: AccessRead}, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint64(0x5FED)))

			paddr, err = walker.Translate(
				0x1001, Intent{Kind: AccessWrite}, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint64(0x6001)))
		})

		It("should fault on a non-canonical address", func() {
			_, err := walker.Translate(
				0x0000_8000_0000_0000, Intent{Kind: AccessRead}, false)

			var fault *Fault
			Expect(errors.As(err, &fault)).To(BeTrue())
		})

		It("should pass the canonical check for high canonical addresses", func() {
			_, err := walker.Translate(
				0xFFFF_8000_0000_0000, Intent{Kind: AccessRead}, false)

			// Mapped tables only cover the low addresses, so this
			// faults, but as a page fault, not a canonical violation.
			var fault *Fault
			Expect(errors.As(err, &fault)).To(BeTrue())
			Expect(fault.LinearAddr).
				To(Equal(uint64(0xFFFF_8000_0000_0000)))
		})
	})

	Context("permission propagation through upper levels", func() {
		It("should forbid user access when the PML4 entry is supervisor-only", func() {
			// PML4 -> PDPT -> PD -> PT, all permissive except the
			// PML4 entry, which clears the user bit.
			storage.WriteU64(0x1000, 0x2000|ptePresent|pteWritable)
			storage.WriteU64(0x2000, 0x3000|ptePresent|pteWritable|pteUser)
			storage.WriteU64(0x3000, 0x4000|ptePresent|pteWritable|pteUser)
			storage.WriteU64(0x4000, 0x5000|ptePresent|pteWritable|pteUser)

			walker.SetContext(longModeCtx(0x1000))

			_, err := walker.Translate(
				0x0, Intent{Kind: AccessRead, User: true}, false)
			Expect(err).To(HaveOccurred())

			paddr, err := walker.Translate(
				0x0, Intent{Kind: AccessRead}, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint64(0x5000)))
		})

		It("should decline large pages to the slow path", func() {
			storage.WriteU64(0x1000, 0x2000|ptePresent|pteWritable)
			storage.WriteU64(0x2000, 0x3000|ptePresent|pteWritable)
			// 2 MiB page at the directory level.
			storage.WriteU64(0x3000, 0x20_0000|ptePresent|pteWritable|pteSuper)

			walker.SetContext(longModeCtx(0x1000))

			_, err := walker.Translate(0x0, Intent{Kind: AccessRead}, false)

			var fault *Fault
			Expect(errors.As(err, &fault)).To(BeTrue())
		})
	})

	Context("CR2 recording", func() {
		BeforeEach(func() {
			walker.SetContext(longModeCtx(0x1000))
		})

		It("should stay 0 when recording is disabled", func() {
			_, err := walker.Translate(
				0xDEAD_000, Intent{Kind: AccessRead}, false)
			Expect(err).To(HaveOccurred())
			Expect(walker.CR2()).To(Equal(uint64(0)))
		})

		It("should latch the faulting address when recording is enabled", func() {
			_, err := walker.Translate(
				0xDEAD_000, Intent{Kind: AccessRead}, true)
			Expect(err).To(HaveOccurred())
			Expect(walker.CR2()).To(Equal(uint64(0xDEAD_000)))
		})

		It("should clear on reset", func() {
			walker.Translate(0xDEAD_000, Intent{Kind: AccessRead}, true)
			walker.Reset()
			Expect(walker.CR2()).To(Equal(uint64(0)))
		})
	})

	Context("context replacement", func() {
		It("should follow a CR3 change immediately", func() {
			ctxA := longModeCtx(0x1000)
			builderA := NewTableBuilder(storage, ctxA, 0x10000)
			Expect(builderA.Map(0x0000, 0x5000, true, false)).To(Succeed())

			ctxB := longModeCtx(0x40000)
			builderB := NewTableBuilder(storage, ctxB, 0x50000)
			Expect(builderB.Map(0x0000, 0x9000, true, false)).To(Succeed())

			walker.SetContext(ctxA)
			paddr, err := walker.Translate(0x0, Intent{Kind: AccessRead}, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint64(0x5000)))

			walker.SetContext(ctxB)
			paddr, err = walker.Translate(0x0, Intent{Kind: AccessRead}, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(paddr).To(Equal(uint64(0x9000)))
		})
	})

	Context("physical memory errors", func() {
		It("should propagate a table read error as a hard error", func() {
			mockCtrl := gomock.NewController(GinkgoT())
			defer mockCtrl.Finish()

			mem := NewMockMemory(mockCtrl)
			mem.EXPECT().
				ReadU64(gomock.Any()).
				Return(uint64(0), errors.New("backing store gone"))

			w := NewWalker(mem)
			w.SetContext(longModeCtx(0x1000))

			_, err := w.Translate(0x0, Intent{Kind: AccessRead}, true)
			Expect(err).To(HaveOccurred())

			var fault *Fault
			Expect(errors.As(err, &fault)).To(BeFalse())
			Expect(w.CR2()).To(Equal(uint64(0)))
		})
	})
})
