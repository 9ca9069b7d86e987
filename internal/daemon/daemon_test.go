package daemon_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sigreer/diskd/internal/collector"
	"github.com/sigreer/diskd/internal/config"
	"github.com/sigreer/diskd/internal/daemon"
	"github.com/sigreer/diskd/internal/device"
	"github.com/sigreer/diskd/internal/diskerr"
	"github.com/sigreer/diskd/internal/monitor"
	"github.com/sigreer/diskd/internal/policy"
)

var _ = Describe("Daemon", func() {
	var (
		ctx    context.Context
		tree   *sysTree
		feed   *fakeFeed
		gate   *gateFeed
		mounts *fakeMounts
		pol    *fakePolicy
		cfg    *config.Config
		reg    *prometheus.Registry
		d      *daemon.Daemon
		sub    *daemon.Subscription

		sda, sda1, sdb string
	)

	start := func() {
		var err error
		d, err = daemon.New(daemon.Options{
			Config:     cfg,
			Feed:       gate,
			Mounts:     mounts,
			Policy:     pol,
			Log:        testLogger(),
			Registerer: reg,
		})
		Expect(err).NotTo(HaveOccurred())
		sub = d.Subscribe("", 64)
		Expect(d.Start(ctx)).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		tree = newSysTree()
		feed = newFakeFeed()
		gate = &gateFeed{Feed: feed}
		mounts = &fakeMounts{}
		pol = &fakePolicy{allow: true}
		reg = prometheus.NewRegistry()

		cfg = config.Default()
		cfg.SysfsRoot = tree.root
		cfg.Modules = []string{}
		cfg.PollInterval = 0

		sda = tree.dev("sda", map[string]string{"size": "2097152", "device/vendor": "ATA"})
		sda1 = tree.dev("sda/sda1", map[string]string{"size": "1048576", "start": "2048"})
		sdb = tree.dev("sdb", map[string]string{"size": "0", "removable": "1"})

		feed.set(sda, &device.FeedResult{
			DeviceFile: "/dev/testdisk-a",
			Aliases:    []string{"/dev/disk/by-id/ata-TEST_A"},
			Properties: map[string]string{"PART_SCHEME": "gpt", "PART_COUNT": "1", "ID_MODEL": "TEST"},
		})
		feed.set(sda1, &device.FeedResult{
			DeviceFile: "/dev/testdisk-a1",
			Properties: map[string]string{"PART_SCHEME": "gpt", "PART_P1_LABEL": "boot", "ID_FS_TYPE": "ext4"},
		})
		feed.set(sdb, &device.FeedResult{DeviceFile: "/dev/testdisk-b"})
	})

	AfterEach(func() {
		if d != nil {
			d.Shutdown()
		}
		d = nil
	})

	Describe("Start", func() {
		It("publishes every enumerated device in both indexes", func() {
			start()

			devs := d.Devices()
			Expect(devs).To(HaveLen(3))
			for _, dev := range devs {
				Expect(d.FindByHandle(dev.Handle())).To(BeIdenticalTo(dev))
				Expect(d.FindByIdentity(dev.Identity())).To(BeIdenticalTo(dev))
			}
			Expect(kinds(drain(sub))).To(ConsistOf(
				"added /devices/sda", "added /devices/sda1", "added /devices/sdb"))
		})

		It("links partitions to their disk through the registry", func() {
			start()
			part := d.FindByIdentity(sda1)
			Expect(part).NotTo(BeNil())
			Expect(part.Attributes().Partition().Label).To(Equal("boot"))
			Expect(d.Slave(part)).To(BeIdenticalTo(d.FindByIdentity(sda)))
			Expect(d.Slave(d.FindByIdentity(sda))).To(BeNil())
		})

		It("applies the mount table without notifying", func() {
			mounts.set(collector.Mount{Device: "/dev/testdisk-a1", Path: "/boot"})
			start()
			drain(sub)

			Expect(d.FindByIdentity(sda1).Mount()).To(Equal(device.Mount{Path: "/boot"}))
			Expect(d.FindByIdentity(sda).Mount().Mounted()).To(BeFalse())
		})

		It("does not publish devices whose first probe fails", func() {
			feed.fail(sdb, errors.New("io error"))
			start()

			Expect(d.FindByIdentity(sdb)).To(BeNil())
			Expect(d.FindByHandle("/devices/sdb")).To(BeNil())
			Expect(kinds(drain(sub))).NotTo(ContainElement("added /devices/sdb"))

			feed.fail(sdb, nil)
			Expect(d.Sync(ctx)).To(Succeed())
			Expect(d.FindByIdentity(sdb)).NotTo(BeNil())
			Expect(kinds(drain(sub))).To(Equal([]string{"added /devices/sdb"}))
		})
	})

	Describe("Sync", func() {
		BeforeEach(func() {
			start()
			drain(sub)
		})

		It("removes devices that disappeared", func() {
			tree.unplug(sdb)
			Expect(d.Sync(ctx)).To(Succeed())

			Expect(d.FindByIdentity(sdb)).To(BeNil())
			Expect(d.FindByHandle("/devices/sdb")).To(BeNil())
			Expect(d.Devices()).To(HaveLen(2))
			Expect(kinds(drain(sub))).To(Equal([]string{"removed /devices/sdb"}))
		})

		It("leaves untouched devices alone", func() {
			Expect(d.Sync(ctx)).To(Succeed())
			Expect(drain(sub)).To(BeEmpty())
		})

		It("refreshes the identities it is told about", func() {
			tree.write(sda, "size", "4194304")
			Expect(d.Sync(ctx, sda)).To(Succeed())

			Expect(d.FindByIdentity(sda).Attributes().Block.Size).To(Equal(uint64(4194304 * 512)))
			Expect(kinds(drain(sub))).To(Equal([]string{"changed /devices/sda"}))
		})

		It("notifies on every refresh by default", func() {
			Expect(d.Sync(ctx, sda, sdb)).To(Succeed())
			Expect(kinds(drain(sub))).To(Equal([]string{"changed /devices/sda", "changed /devices/sdb"}))
		})

		It("keeps the last snapshot and marks the device stale when a refresh fails", func() {
			before := d.FindByIdentity(sda).Attributes()
			feed.fail(sda, errors.New("io error"))

			err := d.Sync(ctx, sda)
			Expect(err).To(MatchError(diskerr.Failed))
			dev := d.FindByIdentity(sda)
			Expect(dev).NotTo(BeNil())
			Expect(dev.Snapshot().Stale).To(BeTrue())
			Expect(dev.Attributes()).To(Equal(before))
			Expect(kinds(drain(sub))).To(Equal([]string{"changed /devices/sda"}))

			Expect(d.Sync(ctx, sda)).NotTo(Succeed())
			Expect(drain(sub)).To(BeEmpty())

			feed.fail(sda, nil)
			Expect(d.Sync(ctx, sda)).To(Succeed())
			Expect(d.FindByIdentity(sda).Snapshot().Stale).To(BeFalse())
			Expect(kinds(drain(sub))).To(Equal([]string{"changed /devices/sda"}))
		})

		It("refuses a second device with the same handle", func() {
			tree.dev("other/sd-c", nil)
			dup := tree.dev("sd_c", nil)
			Expect(d.Sync(ctx)).To(Succeed())

			dev := d.FindByHandle("/devices/sd_c")
			Expect(dev).NotTo(BeNil())
			Expect(dev.Identity()).To(Equal(filepath.Join(tree.root, "devices", "other", "sd-c")))
			Expect(d.FindByIdentity(dup)).To(BeNil())
			Expect(d.Devices()).To(HaveLen(4))
		})

		It("refreshes by handle on request", func() {
			Expect(d.Refresh(ctx, "/devices/sda")).To(Succeed())
			Expect(d.Refresh(ctx, "/devices/nope")).To(MatchError(diskerr.NotFound))
		})

		It("announces a device added in the same pass only once", func() {
			sdc := tree.dev("sdc", map[string]string{"size": "2048"})
			feed.set(sdc, &device.FeedResult{DeviceFile: "/dev/testdisk-c"})

			Expect(d.Sync(ctx, sdc)).To(Succeed())
			Expect(d.FindByIdentity(sdc)).NotTo(BeNil())
			Expect(kinds(drain(sub))).To(Equal([]string{"added /devices/sdc"}))
		})

		It("never reports a device changed after its removal", func() {
			entered, release := gate.hold(sdb)

			refreshed := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				refreshed <- d.Refresh(ctx, "/devices/sdb")
			}()
			Eventually(entered).Should(BeClosed())

			tree.unplug(sdb)
			synced := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				synced <- d.Sync(ctx)
			}()
			Consistently(synced, 100*time.Millisecond).ShouldNot(Receive())

			close(release)
			Eventually(refreshed).Should(Receive())
			Eventually(synced).Should(Receive(BeNil()))

			Expect(d.FindByHandle("/devices/sdb")).To(BeNil())
			events := kinds(drain(sub))
			Expect(events).NotTo(BeEmpty())
			Expect(events[len(events)-1]).To(Equal("removed /devices/sdb"))
			Expect(events).To(HaveEach(HaveSuffix("/devices/sdb")))
		})
	})

	Describe("diff notifications", func() {
		BeforeEach(func() {
			cfg.Notify.Mode = config.NotifyDiff
			start()
			drain(sub)
		})

		It("only notifies when something changed", func() {
			Expect(d.Sync(ctx, sda)).To(Succeed())
			Expect(drain(sub)).To(BeEmpty())

			tree.write(sdb, "size", "2048")
			Expect(d.Sync(ctx, sda, sdb)).To(Succeed())
			Expect(kinds(drain(sub))).To(Equal([]string{"changed /devices/sdb"}))
			Expect(d.FindByIdentity(sdb).Attributes().Block.MediaAvailable).To(BeTrue())
		})
	})

	Describe("lookups", func() {
		BeforeEach(start)

		It("finds devices by device file or alias", func() {
			Expect(d.FindByDeviceFile("/dev/testdisk-a")).To(BeIdenticalTo(d.FindByIdentity(sda)))
			Expect(d.FindByDeviceFile("/dev/disk/by-id/ata-TEST_A")).To(BeIdenticalTo(d.FindByIdentity(sda)))
			Expect(d.FindByDeviceFile("/dev/testdisk-z")).To(BeNil())
		})

		It("follows symlinks to the device file", func() {
			node := filepath.Join(tree.root, "node")
			Expect(os.WriteFile(node, nil, 0o644)).To(Succeed())
			link := filepath.Join(tree.root, "link")
			Expect(os.Symlink(node, link)).To(Succeed())
			feed.set(sdb, &device.FeedResult{DeviceFile: node})
			Expect(d.Refresh(ctx, "/devices/sdb")).To(Succeed())

			Expect(d.FindByDeviceFile(link)).To(BeIdenticalTo(d.FindByIdentity(sdb)))
		})

		It("lists devices sorted by handle", func() {
			var handles []string
			for _, dev := range d.Devices() {
				handles = append(handles, dev.Handle())
			}
			Expect(handles).To(Equal([]string{"/devices/sda", "/devices/sda1", "/devices/sdb"}))
		})
	})

	Describe("mount state", func() {
		BeforeEach(func() {
			start()
			drain(sub)
		})

		It("notifies reconciled changes only when asked to", func() {
			mounts.set(collector.Mount{Device: "/dev/disk/by-id/ata-TEST_A", Path: "/data"})
			Expect(d.ReconcileMountState(ctx, d.Devices(), false)).To(Succeed())
			Expect(d.FindByIdentity(sda).Mount().Path).To(Equal("/data"))
			Expect(drain(sub)).To(BeEmpty())

			mounts.set()
			Expect(d.ReconcileMountState(ctx, d.Devices(), true)).To(Succeed())
			Expect(d.FindByIdentity(sda).Mount().Mounted()).To(BeFalse())
			Expect(kinds(drain(sub))).To(Equal([]string{"changed /devices/sda"}))

			Expect(d.ReconcileMountState(ctx, d.Devices(), true)).To(Succeed())
			Expect(drain(sub)).To(BeEmpty())
		})

		It("reports mount table failures", func() {
			mounts.err = errors.New("no proc")
			Expect(d.ReconcileMountState(ctx, d.Devices(), true)).To(MatchError(diskerr.Failed))
		})

		It("always notifies direct transitions", func() {
			dev := d.FindByIdentity(sda1)
			Expect(d.SetMounted(dev, "/boot")).To(Succeed())
			Expect(d.SetMounted(dev, "/boot")).To(Succeed())
			Expect(dev.Mount()).To(Equal(device.Mount{Path: "/boot"}))
			Expect(d.SetUnmounted(dev)).To(Succeed())
			Expect(d.SetUnmounted(dev)).To(Succeed())
			Expect(dev.Mount().Mounted()).To(BeFalse())
			Expect(drain(sub)).To(HaveLen(4))
		})

		It("rejects an empty mount path", func() {
			Expect(d.SetMounted(d.FindByIdentity(sda1), "")).To(MatchError(diskerr.InvalidOption))
			Expect(drain(sub)).To(BeEmpty())
		})

		It("rejects devices that are no longer published", func() {
			dev := d.FindByIdentity(sdb)
			tree.unplug(sdb)
			Expect(d.Sync(ctx)).To(Succeed())
			drain(sub)

			Expect(d.SetMounted(dev, "/mnt")).To(MatchError(diskerr.NotFound))
			Expect(d.SetUnmounted(dev)).To(MatchError(diskerr.NotFound))
			Expect(drain(sub)).To(BeEmpty())
		})
	})

	Describe("polling inhibitors", func() {
		BeforeEach(start)

		It("counts every cookie until released", func() {
			Expect(d.HasPollingInhibitors()).To(BeFalse())

			cookies := make([]string, 0, 3)
			for range 3 {
				cookies = append(cookies, d.InhibitPolling("test"))
			}
			Expect(d.Inhibitors()).To(HaveLen(3))

			for i, c := range cookies {
				Expect(d.HasPollingInhibitors()).To(BeTrue())
				Expect(d.UninhibitPolling(c)).To(Succeed())
				Expect(d.Inhibitors()).To(HaveLen(2 - i))
			}
			Expect(d.HasPollingInhibitors()).To(BeFalse())
		})

		It("rejects unknown and released cookies", func() {
			c := d.InhibitPolling("test")
			Expect(d.UninhibitPolling("bogus")).To(MatchError(diskerr.InvalidOption))
			Expect(d.Inhibitors()).To(HaveLen(1))

			Expect(d.UninhibitPolling(c)).To(Succeed())
			Expect(d.UninhibitPolling(c)).To(MatchError(diskerr.InvalidOption))
			Expect(d.HasPollingInhibitors()).To(BeFalse())
		})
	})

	Describe("AuthorizeAndExecute", func() {
		var ran bool
		op := func(context.Context) error {
			ran = true
			return nil
		}
		callerCtx := func() context.Context {
			return policy.WithCaller(ctx, policy.Caller{UID: 1000, GID: 1000, PID: 42})
		}

		BeforeEach(func() {
			ran = false
			start()
		})

		It("runs the operation when allowed", func() {
			Expect(d.AuthorizeAndExecute(callerCtx(), policy.ActionRefresh, op)).To(Succeed())
			Expect(ran).To(BeTrue())
			Expect(pol.asked).To(Equal([]string{policy.ActionRefresh}))
		})

		It("returns the operation's error", func() {
			err := d.AuthorizeAndExecute(callerCtx(), policy.ActionRefresh, func(context.Context) error {
				return diskerr.New(diskerr.Busy, "in use")
			})
			Expect(err).To(MatchError(diskerr.Busy))
		})

		It("refuses denied callers", func() {
			pol.allow = false
			Expect(d.AuthorizeAndExecute(callerCtx(), policy.ActionRefresh, op)).To(MatchError(diskerr.NotAuthorized))
			Expect(ran).To(BeFalse())
		})

		It("refuses requests without a caller", func() {
			Expect(d.AuthorizeAndExecute(ctx, policy.ActionRefresh, op)).To(MatchError(diskerr.NotAuthorized))
			Expect(ran).To(BeFalse())
			Expect(pol.asked).To(BeEmpty())
		})

		It("fails when the policy backend fails", func() {
			pol.err = errors.New("backend down")
			Expect(d.AuthorizeAndExecute(callerCtx(), policy.ActionRefresh, op)).To(MatchError(diskerr.Failed))
			Expect(ran).To(BeFalse())
		})
	})

	Describe("subscriptions", func() {
		BeforeEach(start)

		It("delivers per-device events only for that device", func() {
			one := d.Subscribe("/devices/sda", 8)
			defer one.Close()

			Expect(d.Sync(ctx, sda, sdb)).To(Succeed())
			Expect(kinds(drain(one))).To(Equal([]string{"changed /devices/sda"}))
		})

		It("makes the mutation visible before delivering the event", func() {
			tree.unplug(sdb)
			done := make(chan bool)
			go func() {
				defer GinkgoRecover()
				for ev := range sub.C {
					if ev.Kind == daemon.EventRemoved {
						done <- d.FindByHandle(ev.Handle) == nil
						return
					}
				}
			}()
			Expect(d.Sync(ctx)).To(Succeed())
			Eventually(done).Should(Receive(BeTrue()))
		})

		It("drops events for subscribers that fall behind", func() {
			slow := d.Subscribe("", 1)
			Expect(d.Sync(ctx, sda, sdb)).To(Succeed())
			Expect(drain(slow)).To(HaveLen(1))
			Expect(slow.Dropped()).To(Equal(uint64(1)))
		})

		It("closes subscriptions on shutdown after removing every device", func() {
			drain(sub)
			d.Shutdown()
			events := drain(sub)
			Expect(kinds(events)).To(Equal([]string{
				"removed /devices/sda", "removed /devices/sda1", "removed /devices/sdb"}))
			Eventually(sub.C).Should(BeClosed())
			Expect(d.Devices()).To(BeEmpty())

			late := d.Subscribe("", 1)
			Eventually(late.C).Should(BeClosed())
			d = nil
		})
	})

	Describe("modules", func() {
		BeforeEach(func() {
			cfg.Modules = []string{testModule}
			start()
		})

		It("attaches managers at start and drive interfaces at publish", func() {
			m, ok := d.Manager("test.manager")
			Expect(ok).To(BeTrue())
			Expect(m.Name()).To(Equal("test.manager"))
			Expect(d.Managers()).To(HaveLen(1))

			Expect(d.Interfaces("/devices/sda")).To(HaveLen(1))
			Expect(d.Interfaces("/devices/sda1")).To(BeEmpty())
		})

		It("fails to build with an unknown module", func() {
			cfg.Modules = []string{"nope"}
			_, err := daemon.New(daemon.Options{Config: cfg, Feed: feed, Mounts: mounts, Policy: pol, Log: testLogger()})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Run", func() {
		var (
			cancel  context.CancelFunc
			uevents chan monitor.Uevent
			changes chan struct{}
			stopped chan struct{}
		)

		run := func() {
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(ctx)
			uevents = make(chan monitor.Uevent)
			changes = make(chan struct{})
			stopped = make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(stopped)
				Expect(d.Run(runCtx, uevents, changes)).To(Succeed())
			}()
		}

		AfterEach(func() {
			cancel()
			Eventually(stopped).Should(BeClosed())
		})

		It("syncs on hotplug and refreshes on change", func() {
			start()
			run()
			drain(sub)

			sdc := tree.dev("sdc", map[string]string{"size": "8"})
			uevents <- monitor.Uevent{Action: "add", DevPath: "/devices/sdc", Subsystem: "block"}
			Eventually(sub.C).Should(Receive(HaveField("Handle", "/devices/sdc")))
			Expect(d.FindByIdentity(sdc)).NotTo(BeNil())

			uevents <- monitor.Uevent{Action: "change", DevPath: "/devices/sda", Subsystem: "block"}
			Eventually(sub.C).Should(Receive(SatisfyAll(
				HaveField("Kind", daemon.EventChanged),
				HaveField("Handle", "/devices/sda"))))
		})

		It("reconciles on mount table changes", func() {
			start()
			run()
			drain(sub)

			mounts.set(collector.Mount{Device: "/dev/testdisk-b", Path: "/media/usb"})
			changes <- struct{}{}
			Eventually(sub.C).Should(Receive(HaveField("Handle", "/devices/sdb")))
			Expect(d.FindByIdentity(sdb).Mount().Path).To(Equal("/media/usb"))
		})

		It("polls removable media unless inhibited", func() {
			cfg.PollInterval = 10 * time.Millisecond
			start()
			cookie := d.InhibitPolling("test")
			run()
			drain(sub)

			Consistently(sub.C, 100*time.Millisecond).ShouldNot(Receive())

			Expect(d.UninhibitPolling(cookie)).To(Succeed())
			Eventually(sub.C).Should(Receive(HaveField("Handle", "/devices/sdb")))
		})
	})

	It("exports registry gauges and event counters", func() {
		start()
		d.InhibitPolling("test")

		Expect(testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP diskd_devices Devices currently published.
# TYPE diskd_devices gauge
diskd_devices 3
# HELP diskd_polling_inhibitors Outstanding polling inhibitors.
# TYPE diskd_polling_inhibitors gauge
diskd_polling_inhibitors 1
`), "diskd_devices", "diskd_polling_inhibitors")).To(Succeed())

		Expect(testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP diskd_device_events_total Device change notifications by kind.
# TYPE diskd_device_events_total counter
diskd_device_events_total{kind="added"} 3
`), "diskd_device_events_total")).To(Succeed())
	})

	It("lists the known filesystems", func() {
		start()
		var ids []string
		for _, fs := range d.Filesystems() {
			ids = append(ids, fs.ID)
		}
		Expect(ids).To(ContainElements("ext4", "xfs", "vfat", "swap", "empty"))
	})
})
