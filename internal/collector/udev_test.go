package collector

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/jaypipes/ghw"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sigreer/diskd/internal/cache"
	"github.com/sigreer/diskd/internal/device"
)

var _ = Describe("UdevFeed", func() {
	var (
		ctx  context.Context
		root string
		feed *UdevFeed
		sda  string
		sda1 string
	)

	BeforeEach(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()
		feed = &UdevFeed{DataDir: filepath.Join(root, "run/udev/data"), DevDir: filepath.Join(root, "dev")}

		sda = filepath.Join(root, "sys/devices/pci0/block/sda")
		writeFile(filepath.Join(sda, "dev"), "8:0\n")
		writeFile(filepath.Join(sda, "uevent"), "MAJOR=8\nMINOR=0\nDEVNAME=sda\nDEVTYPE=disk\n")
		sda1 = filepath.Join(sda, "sda1")
		writeFile(filepath.Join(sda1, "dev"), "8:1\n")
		writeFile(filepath.Join(sda1, "start"), "2048\n")
		writeFile(filepath.Join(sda1, "size"), "1048576\n")
		writeFile(filepath.Join(sda1, "uevent"), "DEVNAME=sda1\nDEVTYPE=partition\n")
	})

	It("parses a database record", func() {
		writeFile(filepath.Join(feed.DataDir, "b8:0"), `S:disk/by-id/ata-WDC_WD40EFRX_WD-123
S:disk/by-path/pci-0000:00:1f.2-ata-1
W:3
I:123456
E:ID_VENDOR=ATA
E:ID_MODEL=WDC_WD40EFRX
E:ID_SERIAL_SHORT=WD-123
E:ID_PART_TABLE_TYPE=gpt
E:ID_PART_TABLE_UUID=9b1c
G:systemd
`)
		res, err := feed.Probe(ctx, sda)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.DeviceFile).To(Equal(filepath.Join(feed.DevDir, "sda")))
		Expect(res.Aliases).To(ConsistOf(
			filepath.Join(feed.DevDir, "disk/by-id/ata-WDC_WD40EFRX_WD-123"),
			filepath.Join(feed.DevDir, "disk/by-path/pci-0000:00:1f.2-ata-1"),
		))
		Expect(res.Properties).To(HaveKeyWithValue("ID_MODEL", "WDC_WD40EFRX"))

		By("deriving table keys from the nested partitions")
		Expect(res.Properties).To(HaveKeyWithValue("PART_SCHEME", "gpt"))
		Expect(res.Properties).To(HaveKeyWithValue("PART_COUNT", "1"))
		Expect(res.Properties).To(HaveKeyWithValue("PART_P1_OFFSET", "1048576"))
		Expect(res.Properties).To(HaveKeyWithValue("PART_P1_SIZE", "536870912"))
	})

	It("maps partition entry keys", func() {
		writeFile(filepath.Join(feed.DataDir, "b8:1"), `E:ID_FS_TYPE=ext4
E:ID_PART_ENTRY_SCHEME=gpt
E:ID_PART_ENTRY_NUMBER=1
E:ID_PART_ENTRY_NAME=root
E:ID_PART_ENTRY_UUID=0fc63daf
E:ID_PART_ENTRY_OFFSET=2048
E:ID_PART_ENTRY_SIZE=1048576
E:DEVLINKS=/dev/disk/by-uuid/aa-bb /dev/disk/by-partuuid/0fc63daf
`)
		res, err := feed.Probe(ctx, sda1)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Properties).To(HaveKeyWithValue("PART_SCHEME", "gpt"))
		Expect(res.Properties).To(HaveKeyWithValue("PART_P1_LABEL", "root"))
		Expect(res.Properties).To(HaveKeyWithValue("PART_P1_UUID", "0fc63daf"))
		Expect(res.Properties).To(HaveKeyWithValue("PART_P1_OFFSET", "1048576"))
		Expect(res.Aliases).To(ContainElement("/dev/disk/by-uuid/aa-bb"))
		Expect(res.Properties).NotTo(HaveKey("PART_COUNT"))
	})

	It("falls back to symlinks without a database record", func() {
		node := filepath.Join(feed.DevDir, "sda1")
		writeFile(node, "")
		symlink(node, filepath.Join(feed.DevDir, "disk/by-uuid/1234-ABCD"))
		symlink(filepath.Join(feed.DevDir, "other"), filepath.Join(feed.DevDir, "disk/by-id/dangling"))

		res, err := feed.Probe(ctx, sda1)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.DeviceFile).To(Equal(node))
		Expect(res.Aliases).To(ConsistOf(filepath.Join(feed.DevDir, "disk/by-uuid/1234-ABCD")))
		Expect(res.Properties).To(HaveKeyWithValue("ID_FS_UUID", "1234-ABCD"))
	})

	It("does not resolve directories without a device number", func() {
		res, err := feed.Probe(ctx, filepath.Join(root, "sys/devices/pci0/block"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(BeNil())
	})

	It("feeds the device fold end to end", func() {
		writeFile(filepath.Join(feed.DataDir, "b8:1"), "E:ID_PART_ENTRY_NUMBER=1\nE:ID_PART_ENTRY_SCHEME=dos\nE:ID_PART_ENTRY_NAME=boot\n")
		attrs, err := device.Probe(ctx, sda1, feed)
		Expect(err).NotTo(HaveOccurred())
		Expect(attrs.Partition().Scheme).To(Equal("dos"))
		Expect(attrs.Partition().Label).To(Equal("boot"))
	})
})

type stubFeed struct {
	res *device.FeedResult
	err error
}

func (s stubFeed) Probe(context.Context, string) (*device.FeedResult, error) {
	return s.res, s.err
}

var _ = Describe("Chain", func() {
	It("lets earlier feeds win", func() {
		chain := Chain{
			stubFeed{},
			stubFeed{res: &device.FeedResult{
				DeviceFile: "/dev/sda",
				Aliases:    []string{"/dev/disk/by-id/a"},
				Properties: map[string]string{"ID_MODEL": "first"},
			}},
			stubFeed{res: &device.FeedResult{
				DeviceFile: "/dev/other",
				Aliases:    []string{"/dev/disk/by-id/b"},
				Properties: map[string]string{"ID_MODEL": "second", "ID_VENDOR": "v"},
			}},
		}
		res, err := chain.Probe(context.Background(), "/sys/x")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.DeviceFile).To(Equal("/dev/sda"))
		Expect(res.Aliases).To(Equal([]string{"/dev/disk/by-id/a", "/dev/disk/by-id/b"}))
		Expect(res.Properties).To(Equal(map[string]string{"ID_MODEL": "first", "ID_VENDOR": "v"}))
	})

	It("returns nil when no feed knows the device", func() {
		res, err := Chain{stubFeed{}, stubFeed{}}.Probe(context.Background(), "/sys/x")
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(BeNil())
	})

	It("propagates hard errors", func() {
		_, err := Chain{stubFeed{err: errors.New("boom")}}.Probe(context.Background(), "/sys/x")
		Expect(err).To(MatchError("boom"))
	})
})

var _ = Describe("GhwFeed", func() {
	var (
		feed  *GhwFeed
		calls int
	)

	BeforeEach(func() {
		calls = 0
		feed = &GhwFeed{
			log:   logr.Discard(),
			cache: cache.New[*ghw.BlockInfo](),
			blockFn: func() (*ghw.BlockInfo, error) {
				calls++
				return &ghw.BlockInfo{
					Disks: []*ghw.Disk{{
						Name:         "nvme0n1",
						Vendor:       "unknown",
						Model:        "Samsung SSD 980",
						SerialNumber: "S64",
						Partitions: []*ghw.Partition{{
							Name:            "nvme0n1p2",
							Type:            "xfs",
							FilesystemLabel: "data",
							Label:           "primary",
							UUID:            "8da6",
						}},
					}},
				}, nil
			},
		}
	})

	It("describes disks without unknown values", func() {
		res, err := feed.Probe(context.Background(), "/sys/devices/pci0/nvme/nvme0/nvme0n1")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.DeviceFile).To(Equal("/dev/nvme0n1"))
		Expect(res.Properties).To(Equal(map[string]string{
			"ID_MODEL":        "Samsung SSD 980",
			"ID_SERIAL_SHORT": "S64",
		}))
	})

	It("describes partitions and caches the inventory", func() {
		res, err := feed.Probe(context.Background(), "/sys/devices/pci0/nvme/nvme0/nvme0n1/nvme0n1p2")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Properties).To(HaveKeyWithValue("ID_FS_TYPE", "xfs"))
		Expect(res.Properties).To(HaveKeyWithValue("ID_FS_LABEL", "data"))
		Expect(res.Properties).To(HaveKeyWithValue("PART_P2_LABEL", "primary"))

		_, err = feed.Probe(context.Background(), "/sys/block/sdz")
		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(1))
	})

	It("treats inventory failures as unknown", func() {
		feed.blockFn = func() (*ghw.BlockInfo, error) { return nil, errors.New("no sysfs") }
		res, err := feed.Probe(context.Background(), "/sys/block/sda")
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(BeNil())
	})
})

var _ = Describe("MountIndex", func() {
	It("matches device files and aliases", func() {
		idx := IndexMounts([]Mount{
			{Device: "/dev/sda1", Path: "/boot"},
			{Device: "/dev/sda1", Path: "/srv/bind"},
			{Device: "/dev/disk/by-uuid/nonexistent", Path: "/data"},
		})
		mp, ok := idx.Lookup([]string{"/dev/sda1"})
		Expect(ok).To(BeTrue())
		Expect(mp).To(Equal("/boot"))

		mp, ok = idx.Lookup([]string{"/dev/sdb1", "/dev/disk/by-uuid/nonexistent"})
		Expect(ok).To(BeTrue())
		Expect(mp).To(Equal("/data"))

		_, ok = idx.Lookup([]string{"/dev/sdc"})
		Expect(ok).To(BeFalse())
	})
})
