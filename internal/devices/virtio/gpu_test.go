package virtio

import (
	"encoding/binary"
	"testing"
)

func newTestGPU() *GPU {
	g := &GPU{width: 640, height: 480}
	g.setupDevice(nil)
	return g
}

func respType(resp []byte) uint32 {
	return binary.LittleEndian.Uint32(resp[0:4])
}

func encodeResourceCreate2D(resourceID, format, width, height uint32) []byte {
	buf := make([]byte, 40)
	hdr := virtioGPUCtrlHdr{Type: VIRTIO_GPU_CMD_RESOURCE_CREATE_2D}
	hdr.encode(buf[0:24])
	binary.LittleEndian.PutUint32(buf[24:28], resourceID)
	binary.LittleEndian.PutUint32(buf[28:32], format)
	binary.LittleEndian.PutUint32(buf[32:36], width)
	binary.LittleEndian.PutUint32(buf[36:40], height)
	return buf
}

func encodeResourceUnref(resourceID uint32) []byte {
	buf := make([]byte, 28)
	hdr := virtioGPUCtrlHdr{Type: VIRTIO_GPU_CMD_RESOURCE_UNREF}
	hdr.encode(buf[0:24])
	binary.LittleEndian.PutUint32(buf[24:28], resourceID)
	return buf
}

func encodeSetScanout(scanoutID, resourceID uint32) []byte {
	buf := make([]byte, 48)
	hdr := virtioGPUCtrlHdr{Type: VIRTIO_GPU_CMD_SET_SCANOUT}
	hdr.encode(buf[0:24])
	r := virtioGPURect{Width: 640, Height: 480}
	r.encode(buf[24:40])
	binary.LittleEndian.PutUint32(buf[40:44], scanoutID)
	binary.LittleEndian.PutUint32(buf[44:48], resourceID)
	return buf
}

func TestGPUResourceCreate2DThenUnref(t *testing.T) {
	g := newTestGPU()

	resp := g.handleResourceCreate2D(encodeResourceCreate2D(1, VIRTIO_GPU_FORMAT_B8G8R8A8_UNORM, 64, 64))
	if respType(resp) != VIRTIO_GPU_RESP_OK_NODATA {
		t.Fatalf("create: resp type = 0x%x, want OK_NODATA", respType(resp))
	}

	resp = g.handleResourceUnref(encodeResourceUnref(1))
	if respType(resp) != VIRTIO_GPU_RESP_OK_NODATA {
		t.Fatalf("unref: resp type = 0x%x, want OK_NODATA", respType(resp))
	}

	// A second UNREF of the same, now-freed ID must be rejected rather than
	// silently no-op, unlike the bare map this replaced.
	resp = g.handleResourceUnref(encodeResourceUnref(1))
	if respType(resp) != VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID {
		t.Fatalf("double unref: resp type = 0x%x, want ERR_INVALID_RESOURCE_ID", respType(resp))
	}
}

func TestGPUResourceCreate2DRejectsLiveCollision(t *testing.T) {
	g := newTestGPU()

	resp := g.handleResourceCreate2D(encodeResourceCreate2D(7, VIRTIO_GPU_FORMAT_B8G8R8A8_UNORM, 32, 32))
	if respType(resp) != VIRTIO_GPU_RESP_OK_NODATA {
		t.Fatalf("first create: resp type = 0x%x, want OK_NODATA", respType(resp))
	}

	resp = g.handleResourceCreate2D(encodeResourceCreate2D(7, VIRTIO_GPU_FORMAT_B8G8R8A8_UNORM, 32, 32))
	if respType(resp) != VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID {
		t.Fatalf("colliding create: resp type = 0x%x, want ERR_INVALID_RESOURCE_ID", respType(resp))
	}
}

func TestGPURecycledResourceIDGetsFreshGeneration(t *testing.T) {
	g := newTestGPU()

	g.handleResourceCreate2D(encodeResourceCreate2D(3, VIRTIO_GPU_FORMAT_B8G8R8A8_UNORM, 16, 16))
	oldHandle := g.resourceHandles[3]

	g.handleResourceUnref(encodeResourceUnref(3))
	g.handleResourceCreate2D(encodeResourceCreate2D(3, VIRTIO_GPU_FORMAT_B8G8R8A8_UNORM, 16, 16))
	newHandle := g.resourceHandles[3]

	if oldHandle == newHandle {
		t.Fatalf("handle for recycled ResourceID 3 unchanged across free/recreate: %d", oldHandle)
	}
	if g.resources.GetObjectByType(oldHandle, handleResourceType2D) != nil {
		t.Fatal("stale handle from before the recycle still resolves")
	}
}

// TestGPUSetScanoutTwoPhaseDelete exercises the MarkDestroyed/UnmarkDestroyed
// path added around SET_SCANOUT: disabling the only scanout showing a
// resource marks it destroyed without freeing it, and re-enabling the
// scanout on the same resource rolls the delete back.
func TestGPUSetScanoutTwoPhaseDelete(t *testing.T) {
	g := newTestGPU()
	g.handleResourceCreate2D(encodeResourceCreate2D(5, VIRTIO_GPU_FORMAT_B8G8R8A8_UNORM, 16, 16))

	resp := g.handleSetScanout(encodeSetScanout(0, 5))
	if respType(resp) != VIRTIO_GPU_RESP_OK_NODATA {
		t.Fatalf("enable scanout: resp type = 0x%x", respType(resp))
	}

	resp = g.handleSetScanout(encodeSetScanout(0, 0))
	if respType(resp) != VIRTIO_GPU_RESP_OK_NODATA {
		t.Fatalf("disable scanout: resp type = 0x%x", respType(resp))
	}

	h := g.resourceHandles[5]
	if g.resources.GetObjectByType(h, handleResourceType2D) != nil {
		t.Fatal("GetObjectByType resolves a resource marked destroyed")
	}
	if g.resources.GetObjectIgnoreDestroyed(h, handleResourceType2D) == nil {
		t.Fatal("GetObjectIgnoreDestroyed failed to resolve the destroyed-but-not-freed resource")
	}

	// Re-enabling a scanout on it rolls back the pending delete.
	resp = g.handleSetScanout(encodeSetScanout(0, 5))
	if respType(resp) != VIRTIO_GPU_RESP_OK_NODATA {
		t.Fatalf("re-enable scanout: resp type = 0x%x", respType(resp))
	}
	if g.resources.GetObjectByType(h, handleResourceType2D) == nil {
		t.Fatal("resource still destroyed after re-enabling a scanout on it")
	}

	// Disable again and commit the delete via UNREF.
	g.handleSetScanout(encodeSetScanout(0, 0))
	resp = g.handleResourceUnref(encodeResourceUnref(5))
	if respType(resp) != VIRTIO_GPU_RESP_OK_NODATA {
		t.Fatalf("unref after mark-destroyed: resp type = 0x%x", respType(resp))
	}
	if _, ok := g.resourceHandles[5]; ok {
		t.Fatal("resourceHandles still tracks ResourceID 5 after commit")
	}
}

func TestGPUOnResetClearsResources(t *testing.T) {
	g := newTestGPU()
	g.handleResourceCreate2D(encodeResourceCreate2D(9, VIRTIO_GPU_FORMAT_B8G8R8A8_UNORM, 8, 8))

	g.OnReset(nil)

	if len(g.resourceHandles) != 0 {
		t.Fatalf("resourceHandles not cleared by OnReset: %v", g.resourceHandles)
	}
	resp := g.handleResourceUnref(encodeResourceUnref(9))
	if respType(resp) != VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID {
		t.Fatalf("unref after reset: resp type = 0x%x, want ERR_INVALID_RESOURCE_ID", respType(resp))
	}
}
