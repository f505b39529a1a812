package client_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/candela/client"
	"github.com/luma/candela/clip"
	"github.com/luma/candela/transport"
)

var _ = Describe("Bridge", func() {
	Describe("Open()", func() {
		It("comes up active and notifies the handler once", func() {
			bridge, handler, tracker := newTestBridge(fastTuning(), nil)
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())
			Expect(bridge.State()).To(Equal(client.StateActive))

			online, offline, _ := handler.counts()
			Expect(online).To(Equal(1))
			Expect(offline).To(Equal(0))

			Expect(tracker.count()).To(Equal(1))
			Expect(tracker.session(0).eventStream()).NotTo(BeNil())
		})

		It("sends the access key and event stream accept header", func() {
			bridge, _, tracker := newTestBridge(fastTuning(), nil)
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())

			events := tracker.session(0).eventStream()
			Expect(events.req.Method).To(Equal("GET"))
			Expect(events.req.Path).To(Equal("/eventstream/clip/v2"))
			Expect(events.req.Header).To(HaveKeyWithValue("accept", "text/event-stream"))
			Expect(events.req.Header).To(HaveKeyWithValue("hue-application-key", "test-key"))
		})

		It("fails with an unauthorized error when the bridge rejects the key", func() {
			bridge, _, _ := newTestBridge(fastTuning(), func(req transport.StreamRequest, listener transport.StreamListener) {
				listener.OnHeaders(401, "")
			})
			defer bridge.Close()

			err := bridge.Open(context.Background())
			Expect(clip.IsUnauthorized(err)).To(BeTrue())
		})

		It("fails when no session can be established", func() {
			bridge, handler, tracker := newTestBridge(fastTuning(), nil)
			defer bridge.Close()

			tracker.failNextOpen(errors.New("no route to host"))

			err := bridge.Open(context.Background())
			Expect(err).To(HaveOccurred())
			Expect(bridge.State()).To(Equal(client.StateClosed))

			online, _, _ := handler.counts()
			Expect(online).To(Equal(0))
		})
	})

	Describe("GetResource()", func() {
		It("returns the parsed response body", func() {
			bridge, _, tracker := newTestBridge(fastTuning(), func(req transport.StreamRequest, listener transport.StreamListener) {
				if req.Tag == "eventStream" {
					respondOK(req, listener)
					return
				}

				listener.OnHeaders(200, "application/json")
				listener.OnData([]byte(`{"errors":[],"data":[{"id":"abc","type":"light"}]}`), true)
			})
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())

			resources, err := bridge.GetResource(context.Background(), clip.Reference{Type: "light"})
			Expect(err).To(Succeed())
			Expect(resources.List()).To(HaveLen(1))
			Expect(resources.List()[0].ID).To(Equal("abc"))

			requests := tracker.session(0).requestStreams()
			Expect(requests).To(HaveLen(1))
			Expect(requests[0].req.Method).To(Equal("GET"))
			Expect(requests[0].req.Path).To(Equal("/clip/v2/resource/light"))
		})

		It("returns an offline error when the connection is closed", func() {
			bridge, _, _ := newTestBridge(fastTuning(), nil)

			_, err := bridge.GetResource(context.Background(), clip.Reference{Type: "light"})
			Expect(err).To(MatchError(clip.ErrOffline))
		})

		It("surfaces an unauthorized response without tearing the session down", func() {
			bridge, handler, _ := newTestBridge(fastTuning(), func(req transport.StreamRequest, listener transport.StreamListener) {
				if req.Tag == "eventStream" {
					respondOK(req, listener)
					return
				}

				listener.OnHeaders(401, "")
			})
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())

			_, err := bridge.GetResource(context.Background(), clip.Reference{Type: "light"})
			Expect(clip.IsUnauthorized(err)).To(BeTrue())

			// Request stream errors never count against the session.
			Consistently(func() client.State {
				return bridge.State()
			}, 50*time.Millisecond).Should(Equal(client.StateActive))

			_, offline, _ := handler.counts()
			Expect(offline).To(Equal(0))
		})

		It("rejects a response with the wrong content type", func() {
			bridge, _, _ := newTestBridge(fastTuning(), func(req transport.StreamRequest, listener transport.StreamListener) {
				if req.Tag == "eventStream" {
					respondOK(req, listener)
					return
				}

				listener.OnHeaders(200, "text/html")
				listener.OnData([]byte("<html></html>"), true)
			})
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())

			_, err := bridge.GetResource(context.Background(), clip.Reference{Type: "light"})

			var comms *clip.CommsError
			Expect(errors.As(err, &comms)).To(BeTrue())
		})
	})

	Describe("PutResource()", func() {
		It("sends the resource body to its path", func() {
			bridge, _, tracker := newTestBridge(fastTuning(), nil)
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())

			err := bridge.PutResource(context.Background(), clip.Resource{
				Type: "light",
				ID:   "abc",
				Raw:  []byte(`{"on":{"on":true}}`),
			})
			Expect(err).To(Succeed())

			requests := tracker.session(0).requestStreams()
			Expect(requests).To(HaveLen(1))
			Expect(requests[0].req.Method).To(Equal("PUT"))
			Expect(requests[0].req.Path).To(Equal("/clip/v2/resource/light/abc"))
			Expect(string(requests[0].req.Body)).To(Equal(`{"on":{"on":true}}`))
			Expect(requests[0].req.Header).To(HaveKeyWithValue("content-type", "application/json"))
		})

		It("silently drops writes while the connection is closed", func() {
			bridge, _, tracker := newTestBridge(fastTuning(), nil)

			err := bridge.PutResource(context.Background(), clip.Resource{
				Type: "light",
				ID:   "abc",
				Raw:  []byte(`{"on":{"on":false}}`),
			})
			Expect(err).To(Succeed())
			Expect(tracker.count()).To(Equal(0))
		})
	})

	Describe("connection loss", func() {
		It("reconnects silently after a session shutdown announcement", func() {
			tuning := fastTuning()
			bridge, handler, tracker := newTestBridge(tuning, nil)
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())

			tracker.session(0).monitor.OnGoAway()

			// The old session is torn down and a fresh one comes up after
			// the backoff, event stream included.
			Eventually(func() int {
				return tracker.count()
			}, 10*tuning.RestartBackoff).Should(Equal(2))
			Eventually(func() client.State {
				return bridge.State()
			}, 10*tuning.RestartBackoff).Should(Equal(client.StateActive))

			Expect(tracker.session(0).Closed()).To(BeTrue())
			Expect(tracker.session(1).eventStream()).NotTo(BeNil())

			// Consumers never hear about it.
			online, offline, _ := handler.counts()
			Expect(online).To(Equal(1))
			Expect(offline).To(Equal(0))
		})

		It("holds requests issued during the restart window", func() {
			tuning := fastTuning()
			bridge, _, tracker := newTestBridge(tuning, nil)
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())

			tracker.session(0).monitor.OnGoAway()

			// Wait until the restart is scheduled, then issue a request
			// into the window.
			Eventually(func() client.State {
				return bridge.State()
			}).Should(Equal(client.StateClosed))

			resources, err := bridge.GetResource(context.Background(), clip.Reference{Type: "light"})
			Expect(err).To(Succeed())
			Expect(resources).NotTo(BeNil())
			Expect(tracker.count()).To(Equal(2))
		})

		It("goes offline for good on a hard session failure", func() {
			bridge, handler, tracker := newTestBridge(fastTuning(), nil)
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())

			tracker.session(0).monitor.OnFailure(errors.New("connection reset"))

			Eventually(func() int {
				_, offline, _ := handler.counts()
				return offline
			}).Should(Equal(1))
			Expect(bridge.State()).To(Equal(client.StateClosed))

			// No automatic reconnection for hard failures.
			Consistently(func() int {
				return tracker.count()
			}, 100*time.Millisecond).Should(Equal(1))
		})

		It("notifies offline exactly once", func() {
			bridge, handler, tracker := newTestBridge(fastTuning(), nil)
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())

			monitor := tracker.session(0).monitor
			monitor.OnFailure(errors.New("connection reset"))
			monitor.OnClose()
			tracker.session(0).eventStream().listener.OnClosed()

			Eventually(func() int {
				_, offline, _ := handler.counts()
				return offline
			}).Should(Equal(1))
			Consistently(func() int {
				_, offline, _ := handler.counts()
				return offline
			}, 100*time.Millisecond).Should(Equal(1))
		})

		It("declares the session dead when nothing arrives within the liveness window", func() {
			tuning := fastTuning()
			tuning.KeepAliveInterval = 20 * time.Millisecond

			bridge, handler, _ := newTestBridge(tuning, nil)
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())

			Eventually(func() int {
				_, offline, _ := handler.counts()
				return offline
			}, time.Second).Should(Equal(1))
			Expect(bridge.State()).To(Equal(client.StateClosed))
		})

		It("stays alive as long as ping traffic arrives", func() {
			tuning := fastTuning()
			tuning.KeepAliveInterval = 20 * time.Millisecond

			bridge, _, tracker := newTestBridge(tuning, nil)
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())

			stop := make(chan struct{})
			defer close(stop)
			go func() {
				for {
					select {
					case <-stop:
						return
					case <-time.After(10 * time.Millisecond):
						tracker.session(0).monitor.OnPing([8]byte{}, true)
					}
				}
			}()

			Consistently(func() client.State {
				return bridge.State()
			}, 150*time.Millisecond).Should(Equal(client.StateActive))
		})
	})

	Describe("Close()", func() {
		It("closes without notifying the handler", func() {
			bridge, handler, tracker := newTestBridge(fastTuning(), nil)

			Expect(bridge.Open(context.Background())).To(Succeed())
			Expect(bridge.Close()).To(Succeed())

			Expect(bridge.State()).To(Equal(client.StateClosed))
			Expect(tracker.session(0).Closed()).To(BeTrue())

			Consistently(func() int {
				_, offline, _ := handler.counts()
				return offline
			}, 50*time.Millisecond).Should(Equal(0))
		})

		It("suppresses a pending restart", func() {
			tuning := fastTuning()
			bridge, _, tracker := newTestBridge(tuning, nil)

			Expect(bridge.Open(context.Background())).To(Succeed())

			tracker.session(0).monitor.OnGoAway()
			Eventually(func() client.State {
				return bridge.State()
			}).Should(Equal(client.StateClosed))

			Expect(bridge.Close()).To(Succeed())

			Consistently(func() int {
				return tracker.count()
			}, 10*tuning.RestartBackoff).Should(Equal(1))
		})

		It("can be reopened afterwards", func() {
			bridge, handler, tracker := newTestBridge(fastTuning(), nil)
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())
			Expect(bridge.Close()).To(Succeed())
			Expect(bridge.Open(context.Background())).To(Succeed())

			Expect(bridge.State()).To(Equal(client.StateActive))
			Expect(tracker.count()).To(Equal(2))

			online, _, _ := handler.counts()
			Expect(online).To(Equal(2))
		})
	})

	Describe("throttling", func() {
		It("spaces out request starts", func() {
			tuning := fastTuning()
			tuning.RequestSpacing = 25 * time.Millisecond

			bridge, _, tracker := newTestBridge(tuning, nil)
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())

			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := bridge.GetResource(context.Background(), clip.Reference{Type: "light"})
					Expect(err).To(Succeed())
				}()
			}
			wg.Wait()

			requests := tracker.session(0).requestStreams()
			Expect(requests).To(HaveLen(4))

			starts := make([]time.Time, 0, len(requests))
			for _, request := range requests {
				starts = append(starts, request.openedAt)
			}
			sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

			for i := 1; i < len(starts); i++ {
				Expect(starts[i].Sub(starts[i-1])).To(BeNumerically(">=", 20*time.Millisecond))
			}
		})

		It("caps the number of concurrent requests", func() {
			tuning := fastTuning()
			tuning.MaxConcurrentRequests = 2

			var (
				mu        sync.Mutex
				active    int
				maxActive int
			)

			bridge, _, _ := newTestBridge(tuning, func(req transport.StreamRequest, listener transport.StreamListener) {
				if req.Tag == "eventStream" {
					respondOK(req, listener)
					return
				}

				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				go func() {
					time.Sleep(30 * time.Millisecond)

					mu.Lock()
					active--
					mu.Unlock()

					listener.OnHeaders(200, "application/json")
					listener.OnData([]byte(`{"errors":[],"data":[]}`), true)
				}()
			})
			defer bridge.Close()

			Expect(bridge.Open(context.Background())).To(Succeed())

			var wg sync.WaitGroup
			for i := 0; i < 6; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := bridge.GetResource(context.Background(), clip.Reference{Type: "light"})
					Expect(err).To(Succeed())
				}()
			}
			wg.Wait()

			mu.Lock()
			defer mu.Unlock()
			Expect(maxActive).To(BeNumerically("<=", 2))
		})
	})
})
