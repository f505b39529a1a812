package cache_test

import (
	"context"
	"encoding/json"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"

	"github.com/luma/candela/cache"
	"github.com/luma/candela/clip"
)

var _ = Describe("Cache", func() {
	Describe("Close()", func() {
		It("does not panic when closed twice", func() {
			store := cache.New()
			defer store.Close()

			Expect(func() { store.Close() }).NotTo(Panic())
			Expect(func() { store.Close() }).NotTo(Panic())
		})
	})

	It("an empty cache snapshots to {}", func() {
		store := cache.New()
		defer store.Close()

		Expect(string(store.Snapshot())).To(Equal(`{}`))
	})

	Describe("Store() / Resource()", func() {
		It("rejects resources without type or id", func() {
			store := cache.New()
			defer store.Close()

			err := store.Store(context.Background(), clip.Resource{Type: "light"})
			Expect(err).To(HaveOccurred())
		})

		It("can read back a stored resource", func() {
			store := cache.New()
			defer store.Close()

			err := store.Store(context.Background(), clip.Resource{
				Type: "light",
				ID:   "abc",
				Raw:  json.RawMessage(`{"id":"abc","type":"light","on":{"on":true}}`),
			})
			Expect(err).To(Succeed())

			raw, err := store.Resource(context.Background(), clip.Reference{Type: "light", ID: "abc"})
			Expect(err).To(Succeed())
			Expect(gjson.GetBytes(raw, "on.on").Bool()).To(BeTrue())
		})

		It("returns nil for a resource it has never seen", func() {
			store := cache.New()
			defer store.Close()

			raw, err := store.Resource(context.Background(), clip.Reference{Type: "light", ID: "nope"})
			Expect(err).To(Succeed())
			Expect(raw).To(BeNil())
		})

		It("groups the snapshot by type and id", func() {
			store := cache.New()
			defer store.Close()

			Expect(store.Store(context.Background(), clip.Resource{
				Type: "light", ID: "abc", Raw: json.RawMessage(`{"id":"abc"}`),
			})).To(Succeed())
			Expect(store.Store(context.Background(), clip.Resource{
				Type: "motion", ID: "def", Raw: json.RawMessage(`{"id":"def"}`),
			})).To(Succeed())

			snapshot := store.Snapshot()
			Expect(gjson.GetBytes(snapshot, "light.abc.id").String()).To(Equal("abc"))
			Expect(gjson.GetBytes(snapshot, "motion.def.id").String()).To(Equal("def"))
		})

		It("replaces state on a full resource", func() {
			store := cache.New()
			defer store.Close()

			Expect(store.Store(context.Background(), clip.Resource{
				Type: "light", ID: "abc",
				Raw: json.RawMessage(`{"id":"abc","on":{"on":true},"dimming":{"brightness":80}}`),
			})).To(Succeed())

			Expect(store.Store(context.Background(), clip.Resource{
				Type: "light", ID: "abc",
				Raw: json.RawMessage(`{"id":"abc","on":{"on":false}}`),
			})).To(Succeed())

			raw, err := store.Resource(context.Background(), clip.Reference{Type: "light", ID: "abc"})
			Expect(err).To(Succeed())
			Expect(gjson.GetBytes(raw, "on.on").Bool()).To(BeFalse())
			Expect(gjson.GetBytes(raw, "dimming").Exists()).To(BeFalse())
		})

		It("merges sparse resources into existing state", func() {
			store := cache.New()
			defer store.Close()

			Expect(store.Store(context.Background(), clip.Resource{
				Type: "light", ID: "abc",
				Raw: json.RawMessage(`{"id":"abc","on":{"on":true},"dimming":{"brightness":80}}`),
			})).To(Succeed())

			Expect(store.Store(context.Background(), clip.Resource{
				Type: "light", ID: "abc", Sparse: true,
				Raw: json.RawMessage(`{"id":"abc","on":{"on":false}}`),
			})).To(Succeed())

			raw, err := store.Resource(context.Background(), clip.Reference{Type: "light", ID: "abc"})
			Expect(err).To(Succeed())
			Expect(gjson.GetBytes(raw, "on.on").Bool()).To(BeFalse())

			// Fields the event did not mention survive.
			Expect(gjson.GetBytes(raw, "dimming.brightness").Int()).To(Equal(int64(80)))
		})

		It("stores a sparse resource it has never seen as-is", func() {
			store := cache.New()
			defer store.Close()

			Expect(store.Store(context.Background(), clip.Resource{
				Type: "light", ID: "abc", Sparse: true,
				Raw: json.RawMessage(`{"id":"abc","on":{"on":false}}`),
			})).To(Succeed())

			raw, err := store.Resource(context.Background(), clip.Reference{Type: "light", ID: "abc"})
			Expect(err).To(Succeed())
			Expect(gjson.GetBytes(raw, "on.on").Exists()).To(BeTrue())
		})

		It("sends on the update channel when resources are stored", func() {
			store := cache.New()
			defer store.Close()

			updateChan := store.Updates()

			Expect(store.Store(context.Background(), clip.Resource{
				Type: "light", ID: "abc", Raw: json.RawMessage(`{"id":"abc"}`),
			})).To(Succeed())

			update, ok := <-updateChan
			Expect(ok).To(BeTrue())
			Expect(update.Type).To(Equal("light"))
			Expect(update.ID).To(Equal("abc"))
			Expect(string(update.Raw)).To(Equal(`{"id":"abc"}`))
		})
	})
})
