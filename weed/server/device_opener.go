package weed_server

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"

	"github.com/seaweedfs/sw-block/weed/storage/bdev"
	"github.com/seaweedfs/sw-block/weed/storage/bdev/memdev"
	"github.com/seaweedfs/sw-block/weed/storage/blockvol"
	"github.com/seaweedfs/sw-block/weed/storage/fault"
	"github.com/seaweedfs/sw-block/weed/storage/nexus"
)

// DeviceOpener turns child URIs into devices:
//
//	malloc:///name?size_mb=64&blk_size=512
//	file:///var/lib/sw-block/c1.blockvol?size=1GiB&blk_size=4096
//
// File volumes are created when missing. With an injector every device is
// wrapped so inject:// rules can target it by name.
type DeviceOpener struct {
	BlockSize uint32
	Size      uint64
	Injector  *fault.Injector
}

func (o *DeviceOpener) Open(uri string) (bdev.Device, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: child uri %q: %v", nexus.ErrConfig, uri, err)
	}
	q := u.Query()
	blockSize := o.BlockSize
	if s := q.Get("blk_size"); s != "" {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: blk_size %q", nexus.ErrConfig, s)
		}
		blockSize = uint32(n)
	}
	size, err := parseSize(q, o.Size)
	if err != nil {
		return nil, err
	}

	var dev bdev.Device
	switch u.Scheme {
	case "malloc":
		name := strings.Trim(u.Path, "/")
		if name == "" {
			name = u.Host
		}
		if name == "" {
			return nil, fmt.Errorf("%w: malloc uri %q has no name", nexus.ErrConfig, uri)
		}
		if blockSize == 0 || size < uint64(blockSize) {
			return nil, fmt.Errorf("%w: malloc %s needs a size of at least one block", nexus.ErrConfig, name)
		}
		if dev, err = memdev.New(name, blockSize, size/uint64(blockSize)); err != nil {
			return nil, fmt.Errorf("%w: %v", nexus.ErrConfig, err)
		}
	case "file":
		if dev, err = openBlockVol(u.Path, size, blockSize); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported child uri scheme %q", nexus.ErrConfig, u.Scheme)
	}
	g := dev.Geometry()
	glog.V(0).Infof("opened child %s: %s in %d byte blocks", dev.Name(), humanize.IBytes(g.Size()), g.BlockSize)
	if o.Injector != nil {
		dev = fault.Wrap(dev, o.Injector)
	}
	return dev, nil
}

func parseSize(q url.Values, def uint64) (uint64, error) {
	if s := q.Get("size_mb"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: size_mb %q", nexus.ErrConfig, s)
		}
		return n << 20, nil
	}
	if s := q.Get("size"); s != "" {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return 0, fmt.Errorf("%w: size %q: %v", nexus.ErrConfig, s, err)
		}
		return n, nil
	}
	return def, nil
}

func openBlockVol(path string, size uint64, blockSize uint32) (bdev.Device, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file uri has no path", nexus.ErrConfig)
	}
	_, err := os.Stat(path)
	switch {
	case err == nil:
		vol, err := blockvol.OpenBlockVol(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return vol, nil
	case errors.Is(err, fs.ErrNotExist):
		if size == 0 {
			return nil, fmt.Errorf("%w: %s does not exist and no size given", nexus.ErrConfig, path)
		}
		vol, err := blockvol.CreateBlockVol(path, blockvol.CreateOptions{VolumeSize: size, BlockSize: blockSize})
		if err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", nexus.ErrConfig, path, err)
		}
		return vol, nil
	}
	return nil, fmt.Errorf("stat %s: %w", path, err)
}
