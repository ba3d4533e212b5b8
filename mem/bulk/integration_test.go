package bulk_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/virtcore/x86mmu/arch"
	"github.com/virtcore/x86mmu/mem/bulk"
	"github.com/virtcore/x86mmu/mem/phys"
	"github.com/virtcore/x86mmu/mem/vm"
)

// Two physical pages mapped back to back in linear space, the way a
// guest kernel would set up a small long-mode working set.
var _ = Describe("Engine with hand-built long-mode tables", func() {
	It("should move data between linearly adjacent, physically separate pages", func() {
		storage := phys.NewStorage(1 << 20)
		engine := bulk.NewEngine("Engine", storage)

		state := arch.CPUState{
			CR0:  arch.CR0PE | arch.CR0PG,
			CR3:  0x10000,
			CR4:  arch.CR4PAE,
			EFER: arch.EFERLME,
		}

		builder := vm.NewTableBuilder(
			storage, vm.ContextFromState(state), 0x11000)
		Expect(builder.Map(0x0000, 0x5000, true, false)).To(Succeed())
		Expect(builder.Map(0x1000, 0x6000, true, false)).To(Succeed())

		pageA := make([]byte, 128)
		for i := range pageA {
			pageA[i] = byte(i)
		}
		Expect(storage.Write(0x5000, pageA)).To(Succeed())

		pageB := make([]byte, 4096)
		for i := range pageB {
			pageB[i] = 0xCC
		}
		Expect(storage.Write(0x6000, pageB)).To(Succeed())

		engine.Sync(state)

		res := engine.BulkCopy(0x1000, 0x0000, 128)
		Expect(res.Outcome).To(Equal(bulk.Completed))

		got, err := storage.Read(0x6000, 128)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(pageA))

		rest, err := storage.Read(0x6000+128, 4096-128)
		Expect(err).ToNot(HaveOccurred())
		for _, b := range rest {
			Expect(b).To(Equal(byte(0xCC)))
		}
	})
})
