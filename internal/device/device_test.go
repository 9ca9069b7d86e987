package device_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sigreer/diskd/internal/device"
)

var _ = Describe("Device", func() {
	var (
		ctx  context.Context
		tree *sysTree
		feed *fakeFeed
		id   string
	)

	BeforeEach(func() {
		ctx = context.Background()
		tree = newSysTree()
		feed = newFakeFeed()
		id = tree.dev("virtual/block/vd-a", map[string]string{"size": "100"})
	})

	It("derives a sanitized handle", func() {
		dev, err := device.New(ctx, id, feed)
		Expect(err).NotTo(HaveOccurred())
		Expect(dev.Handle()).To(Equal("/devices/vd_a"))
		Expect(dev.Identity()).To(Equal(id))
	})

	It("is not created when the initial probe fails", func() {
		dev, err := device.New(ctx, filepath.Join(tree.root, "class", "block", "gone"), feed)
		Expect(err).To(HaveOccurred())
		Expect(dev).To(BeNil())
	})

	It("reports changes on refresh", func() {
		dev, err := device.New(ctx, id, feed)
		Expect(err).NotTo(HaveOccurred())

		changed, err := dev.Refresh(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeFalse())

		tree.write(id, "size", "200")
		changed, err = dev.Refresh(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeTrue())
		Expect(dev.Snapshot().Attributes.Block.Size).To(Equal(uint64(200 * 512)))
	})

	It("keeps the last good snapshot and flags it stale when refresh fails", func() {
		feed.set(id, &device.FeedResult{DeviceFile: "/dev/vd-a", Properties: map[string]string{"ID_FS_TYPE": "ext4"}})
		dev, err := device.New(ctx, id, feed)
		Expect(err).NotTo(HaveOccurred())
		before := dev.Snapshot()

		feed.fail(id, errors.New("read error"))
		changed, err := dev.Refresh(ctx)
		Expect(err).To(HaveOccurred())
		Expect(changed).To(BeTrue())

		after := dev.Snapshot()
		Expect(after.Stale).To(BeTrue())
		Expect(after.Attributes).To(Equal(before.Attributes))

		feed.fail(id, nil)
		changed, err = dev.Refresh(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeTrue())
		Expect(dev.Snapshot().Stale).To(BeFalse())
	})

	It("flags a device whose sysfs entry vanished as stale", func() {
		dev, err := device.New(ctx, id, feed)
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Remove(id)).To(Succeed())

		_, err = dev.Refresh(ctx)
		Expect(err).To(HaveOccurred())
		Expect(dev.Snapshot().Stale).To(BeTrue())
	})

	It("keeps mounted and mount path consistent", func() {
		dev, err := device.New(ctx, id, feed)
		Expect(err).NotTo(HaveOccurred())
		Expect(dev.Mount().Mounted()).To(BeFalse())

		Expect(dev.SetMount("/mnt/data")).To(BeTrue())
		Expect(dev.SetMount("/mnt/data")).To(BeFalse())
		m := dev.Mount()
		Expect(m.Mounted()).To(BeTrue())
		Expect(m.Path).To(Equal("/mnt/data"))

		Expect(dev.SetMount("")).To(BeTrue())
		Expect(dev.Mount().Mounted()).To(BeFalse())
	})

	It("lists the device file before aliases", func() {
		feed.set(id, &device.FeedResult{
			DeviceFile: "/dev/vda",
			Aliases:    []string{"/dev/disk/by-path/virtio-pci-0000:00:04.0", "/dev/disk/by-id/virtio-abc"},
		})
		dev, err := device.New(ctx, id, feed)
		Expect(err).NotTo(HaveOccurred())
		Expect(dev.Paths()).To(Equal([]string{
			"/dev/vda",
			"/dev/disk/by-id/virtio-abc",
			"/dev/disk/by-path/virtio-pci-0000:00:04.0",
		}))
	})
})

var _ = Describe("Handles", func() {
	DescribeTable("HandleFromBasename",
		func(name, want string) {
			Expect(device.HandleFromBasename(name)).To(Equal(want))
		},
		Entry("plain", "sda", "/devices/sda"),
		Entry("hyphen", "dm-0", "/devices/dm_0"),
		Entry("colon and dot", "loop0.p:1", "/devices/loop0_p_1"),
		Entry("nvme", "nvme0n1p2", "/devices/nvme0n1p2"),
	)

	It("differs for different sanitized names", func() {
		a := device.HandleFromIdentity("/sys/devices/virtual/block/md127")
		b := device.HandleFromIdentity("/sys/devices/virtual/block/md126")
		Expect(a).NotTo(Equal(b))
		Expect(device.HandleName(a)).To(Equal("md127"))
	})
})
