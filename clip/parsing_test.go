package clip_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/candela/clip"
)

var _ = Describe("Parsing", func() {
	Describe("ResourcePath()", func() {
		It("addresses all resources of a type", func() {
			ref := clip.Reference{Type: "light"}
			Expect(ref.ResourcePath()).To(Equal("/clip/v2/resource/light"))
		})

		It("addresses one resource by id", func() {
			ref := clip.Reference{Type: "light", ID: "abc-123"}
			Expect(ref.ResourcePath()).To(Equal("/clip/v2/resource/light/abc-123"))
		})

		It("addresses every resource when the type is empty", func() {
			Expect(clip.AllResourcesReference.ResourcePath()).To(Equal("/clip/v2/resource"))
		})

		It("lower-cases the type", func() {
			ref := clip.Reference{Type: "Bridge"}
			Expect(ref.ResourcePath()).To(Equal("/clip/v2/resource/bridge"))
		})
	})

	Describe("ParseResources()", func() {
		It("rejects bodies that are not JSON", func() {
			_, err := clip.ParseResources([]byte("<html>no</html>"))
			Expect(err).To(HaveOccurred())
		})

		It("rejects bodies that are not a JSON object", func() {
			_, err := clip.ParseResources([]byte(`[1,2,3]`))
			Expect(err).To(HaveOccurred())
		})

		It("lists the resources in the data list", func() {
			resources, err := clip.ParseResources([]byte(
				`{"errors":[],"data":[{"id":"abc","type":"light","on":{"on":true}},{"id":"def","type":"scene"}]}`))
			Expect(err).To(Succeed())

			list := resources.List()
			Expect(list).To(HaveLen(2))
			Expect(list[0].ID).To(Equal("abc"))
			Expect(list[0].Type).To(Equal("light"))
			Expect(list[0].Sparse).To(BeFalse())
			Expect(list[1].Reference()).To(Equal(clip.Reference{Type: "scene", ID: "def"}))
		})

		It("lists the error descriptions", func() {
			resources, err := clip.ParseResources([]byte(
				`{"errors":[{"description":"resource not found"}],"data":[]}`))
			Expect(err).To(Succeed())
			Expect(resources.Errors()).To(Equal([]string{"resource not found"}))
		})

		It("folds the error descriptions into one error", func() {
			resources, err := clip.ParseResources([]byte(
				`{"errors":[{"description":"too hot"},{"description":"too cold"}],"data":[]}`))
			Expect(err).To(Succeed())

			folded := resources.Err()
			Expect(folded).To(HaveOccurred())
			Expect(folded.Error()).To(ContainSubstring("too hot"))
			Expect(folded.Error()).To(ContainSubstring("too cold"))

			clean, err := clip.ParseResources([]byte(`{"errors":[],"data":[]}`))
			Expect(err).To(Succeed())
			Expect(clean.Err()).To(Succeed())
		})
	})

	Describe("ParseEvents()", func() {
		It("rejects payloads that are not JSON", func() {
			_, err := clip.ParseEvents("not json")
			Expect(err).To(HaveOccurred())
		})

		It("rejects payloads that are not a JSON array", func() {
			_, err := clip.ParseEvents(`{"type":"update"}`)
			Expect(err).To(HaveOccurred())
		})

		It("returns an empty list for an event without resources", func() {
			resources, err := clip.ParseEvents(`[{"type":"update","data":[]}]`)
			Expect(err).To(Succeed())
			Expect(resources).To(BeEmpty())
		})

		It("flattens the data lists of all events into sparse resources", func() {
			resources, err := clip.ParseEvents(
				`[{"type":"update","data":[{"id":"abc","type":"light","on":{"on":false}}]},` +
					`{"type":"update","data":[{"id":"def","type":"motion"}]}]`)
			Expect(err).To(Succeed())

			Expect(resources).To(HaveLen(2))
			Expect(resources[0].ID).To(Equal("abc"))
			Expect(resources[0].Type).To(Equal("light"))
			Expect(resources[0].Sparse).To(BeTrue())
			Expect(resources[1].ID).To(Equal("def"))
		})
	})
})
