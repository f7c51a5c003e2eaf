package runners

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/carina-io/localpv-agent/pkg/devicemanager"
	"github.com/carina-io/localpv-agent/pkg/devicemanager/types"
	"github.com/carina-io/localpv-agent/pkg/marker"
	"github.com/carina-io/localpv-agent/test/mock"
	"github.com/carina-io/localpv-agent/utils/exec"
	"github.com/carina-io/localpv-agent/utils/log"
)

const (
	nodeName  = "worker-1"
	markerKey = "local-pv.storage.io/pending-device-ids"
)

var baseFstab = "UUID=2c1f6a3e-8b8a-4d6b-9d5e-0f9d3f1c9a11 / ext4 errors=remount-ro 0 1\n"

// steppingProcessor advances the clock by one second per device.
type steppingProcessor struct {
	processor DeviceProcessor
	clock     *clocktesting.FakePassiveClock
}

func (s *steppingProcessor) Process(ctx context.Context, id string) types.Result {
	s.clock.SetTime(s.clock.Now().Add(time.Second))
	return s.processor.Process(ctx, id)
}

type failingClearer struct{}

func (failingClearer) Clear(context.Context, string) error {
	return errors.New("connection refused")
}

func newNode(kind marker.Kind, value *string) *unstructured.Unstructured {
	metadata := map[string]interface{}{
		"name":        nodeName,
		"annotations": map[string]interface{}{"keep": "me"},
		"labels":      map[string]interface{}{"kubernetes.io/hostname": nodeName},
	}
	if value != nil {
		metadata[kind.Field()].(map[string]interface{})[markerKey] = *value
	}
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Node",
		"metadata":   metadata,
	}}
}

func stringPtr(s string) *string {
	return &s
}

var _ = Describe("Batch", func() {
	var (
		ctx     context.Context
		host    *mock.Host
		client  *dynamicfake.FakeDynamicClient
		clock   *clocktesting.FakePassiveClock
		m       marker.Marker
		clearer MarkerClearer
	)

	newBatch := func() *Batch {
		logger := log.Nop()
		processor := devicemanager.NewProcessor(devicemanager.Config{
			RootMountPath: "/mnt/local-pv",
			Timeouts:      devicemanager.Timeouts{Probe: time.Second, Format: time.Second, Write: time.Second, Mount: time.Second},
		}, host, logger)
		return NewBatch(nodeName,
			marker.NewReader(client, m, logger, 0),
			&steppingProcessor{processor: processor, clock: clock},
			clearer,
			clock,
			logger)
	}

	withNode := func(value *string) {
		client = dynamicfake.NewSimpleDynamicClient(runtime.NewScheme(), newNode(m.Kind, value))
		clearer = marker.NewClearer(client, m, log.Nop())
	}

	markerValue := func() (string, bool) {
		node, err := client.Resource(marker.NodeResource).Get(ctx, nodeName, metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())
		value, found, err := unstructured.NestedString(node.Object, "metadata", m.Kind.Field(), markerKey)
		Expect(err).NotTo(HaveOccurred())
		return value, found
	}

	patches := func() int {
		n := 0
		for _, action := range client.Actions() {
			if action.GetVerb() == "patch" {
				n++
			}
		}
		return n
	}

	BeforeEach(func() {
		ctx = context.Background()
		host = mock.NewHost()
		host.Fstab = baseFstab
		clock = clocktesting.NewFakePassiveClock(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
		m = marker.Marker{Key: markerKey, Kind: marker.KindAnnotation}
	})

	Context("with one mounted and one raw device", func() {
		BeforeEach(func() {
			withNode(stringPtr("wwn-1,wwn-2"))
			host.Mounted["/mnt/local-pv/wwn-1"] = true
		})

		It("provisions the raw device and clears the marker", func() {
			report := newBatch().Run(ctx)

			Expect(report.Err).NotTo(HaveOccurred())
			Expect(report.ExitCode()).To(Equal(0))
			Expect(report.Devices).To(Equal([]string{"wwn-1", "wwn-2"}))
			Expect(report.Results).To(HaveLen(2))
			Expect(report.Results[0].State).To(Equal(types.MountedAlready))
			Expect(report.Results[1].State).To(Equal(types.Mounted))
			Expect(report.Cleared).To(BeTrue())
			Expect(report.Duration).To(Equal(2 * time.Second))

			By("formatting only wwn-2")
			formats := host.CallsTo(types.MkfsCmd)
			Expect(formats).To(HaveLen(1))
			Expect(formats[0].Args).To(Equal([]string{"mkfs.ext4", "/dev/disk/by-id/wwn-2"}))

			By("registering exactly one mount table line")
			Expect(host.Fstab).To(Equal(baseFstab + "/dev/disk/by-id/wwn-2  /mnt/local-pv/wwn-2  ext4  defaults,noatime,discard,nofail  0 0\n"))

			By("preparing and mounting the directory in the host namespaces")
			Expect(host.Dirs).To(HaveKey("/mnt/local-pv/wwn-2"))
			Expect(host.Immutable).To(HaveKey("/mnt/local-pv/wwn-2"))
			mounts := host.CallsTo(types.MountCmd)
			Expect(mounts).To(HaveLen(1))
			Expect(mounts[0].Namespaces).To(Equal(exec.HostNamespaces))

			By("removing only the marker key")
			_, found := markerValue()
			Expect(found).To(BeFalse())
			node, err := client.Resource(marker.NodeResource).Get(ctx, nodeName, metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(node.GetAnnotations()).To(Equal(map[string]string{"keep": "me"}))
		})

		It("changes nothing on the host when run again", func() {
			Expect(newBatch().Run(ctx).ExitCode()).To(Equal(0))
			mutations := len(host.Mutations())

			withNode(stringPtr("wwn-1,wwn-2"))
			report := newBatch().Run(ctx)

			Expect(report.ExitCode()).To(Equal(0))
			Expect(report.Results[0].State).To(Equal(types.MountedAlready))
			Expect(report.Results[1].State).To(Equal(types.MountedAlready))
			Expect(host.Mutations()).To(HaveLen(mutations))
		})
	})

	Context("with an empty marker", func() {
		BeforeEach(func() {
			withNode(stringPtr(""))
		})

		It("processes nothing and still clears the marker", func() {
			report := newBatch().Run(ctx)

			Expect(report.ExitCode()).To(Equal(0))
			Expect(report.Devices).To(BeEmpty())
			Expect(report.Results).To(BeEmpty())
			Expect(host.Calls()).To(BeEmpty())
			Expect(report.Cleared).To(BeTrue())
			Expect(patches()).To(Equal(1))
		})
	})

	Context("without a marker", func() {
		BeforeEach(func() {
			withNode(nil)
		})

		It("treats the node as having nothing pending", func() {
			report := newBatch().Run(ctx)
			Expect(report.ExitCode()).To(Equal(0))
			Expect(host.Calls()).To(BeEmpty())
		})
	})

	Context("with a device holding a file system", func() {
		BeforeEach(func() {
			withNode(stringPtr("wwn-3"))
			host.Signatures["/dev/disk/by-id/wwn-3"] = "DEVICE OFFSET TYPE UUID LABEL\nsdd 0x438 ext4 4b0e"
		})

		It("aborts and leaves the marker untouched", func() {
			report := newBatch().Run(ctx)

			Expect(report.ExitCode()).To(Equal(1))
			Expect(types.IsSafetyAbort(report.Err)).To(BeTrue())
			Expect(report.Cleared).To(BeFalse())
			Expect(report.Summary().Devices).To(Equal(map[string]int{"aborted": 1}))

			Expect(host.Mutations()).To(BeEmpty())
			Expect(host.Fstab).To(Equal(baseFstab))

			value, found := markerValue()
			Expect(found).To(BeTrue())
			Expect(value).To(Equal("wwn-3"))
			Expect(patches()).To(Equal(0))
		})
	})

	Context("with a device after an aborting one", func() {
		BeforeEach(func() {
			withNode(stringPtr("wwn-3,wwn-4"))
			host.Signatures["/dev/disk/by-id/wwn-3"] = "sdd 0x438 ext4"
		})

		It("stops at the abort", func() {
			report := newBatch().Run(ctx)

			Expect(report.ExitCode()).To(Equal(1))
			Expect(report.Results).To(HaveLen(1))
			for _, c := range host.Calls() {
				Expect(c.Args).NotTo(ContainElement(ContainSubstring("wwn-4")))
			}
			value, _ := markerValue()
			Expect(value).To(Equal("wwn-3,wwn-4"))
		})
	})

	Context("with a failing command", func() {
		BeforeEach(func() {
			withNode(stringPtr("wwn-5"))
			host.Errors[types.MountCmd] = &exec.TimeoutError{Args: []string{"mount"}, Timeout: time.Second}
		})

		It("fails and leaves the marker untouched", func() {
			report := newBatch().Run(ctx)

			Expect(report.ExitCode()).To(Equal(1))
			Expect(exec.IsTimeout(report.Err)).To(BeTrue())
			Expect(report.Results[0].Outcome).To(Equal(types.Failed))
			Expect(report.Results[0].State).To(Equal(types.DirPrepared))
			Expect(patches()).To(Equal(0))
		})
	})

	Context("with duplicate device ids", func() {
		BeforeEach(func() {
			withNode(stringPtr("wwn-6,wwn-6"))
		})

		It("processes every occurrence", func() {
			report := newBatch().Run(ctx)

			Expect(report.ExitCode()).To(Equal(0))
			Expect(report.Results).To(HaveLen(2))
			Expect(report.Results[0].State).To(Equal(types.Mounted))
			Expect(report.Results[1].State).To(Equal(types.MountedAlready))
			Expect(host.CallsTo(types.MkfsCmd)).To(HaveLen(1))
		})
	})

	Context("with a label marker", func() {
		BeforeEach(func() {
			m = marker.Marker{Key: markerKey, Kind: marker.KindLabel}
			withNode(stringPtr("wwn-7"))
		})

		It("reads and clears the label", func() {
			report := newBatch().Run(ctx)

			Expect(report.ExitCode()).To(Equal(0))
			Expect(report.Devices).To(Equal([]string{"wwn-7"}))
			_, found := markerValue()
			Expect(found).To(BeFalse())
		})
	})

	Context("when the node cannot be read", func() {
		BeforeEach(func() {
			client = dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
			clearer = marker.NewClearer(client, m, log.Nop())
		})

		It("exits without touching the host", func() {
			report := newBatch().Run(ctx)

			Expect(report.ExitCode()).To(Equal(1))
			Expect(report.Devices).To(BeNil())
			Expect(host.Calls()).To(BeEmpty())
		})
	})

	Context("when clearing fails", func() {
		BeforeEach(func() {
			withNode(stringPtr("wwn-8"))
			clearer = failingClearer{}
		})

		It("reports the error after provisioning", func() {
			report := newBatch().Run(ctx)

			Expect(report.ExitCode()).To(Equal(1))
			Expect(report.Results[0].State).To(Equal(types.Mounted))
			Expect(report.Cleared).To(BeFalse())
		})
	})

	Context("when interrupted", func() {
		BeforeEach(func() {
			withNode(stringPtr("wwn-9"))
		})

		It("processes nothing further", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			report := newBatch().Run(cancelled)

			Expect(report.ExitCode()).To(Equal(1))
			Expect(errors.Is(report.Err, context.Canceled)).To(BeTrue())
			Expect(host.Calls()).To(BeEmpty())
			Expect(patches()).To(Equal(0))
		})
	})

	Context("with a metrics textfile", func() {
		BeforeEach(func() {
			withNode(stringPtr("wwn-1,wwn-2"))
			host.Mounted["/mnt/local-pv/wwn-1"] = true
		})

		It("exports the batch summary", func() {
			dir, err := os.MkdirTemp("", "localpv-metrics")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(dir)
			path := filepath.Join(dir, "localpv.prom")
			batch := newBatch()
			batch.MetricsTextfile = path

			Expect(batch.Run(ctx).ExitCode()).To(Equal(0))

			content, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(ContainSubstring(`localpv_agent_devices{node="worker-1",result="mounted"} 1`))
			Expect(string(content)).To(ContainSubstring(`localpv_agent_devices{node="worker-1",result="already_mounted"} 1`))
			Expect(string(content)).To(ContainSubstring(`localpv_agent_batch_duration_seconds{node="worker-1"} 2`))
			Expect(string(content)).To(ContainSubstring(`localpv_agent_marker_cleared{node="worker-1"} 1`))
		})
	})
})
