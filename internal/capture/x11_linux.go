//go:build linux && cgo

package capture

/*
#cgo LDFLAGS: -lX11 -lXext

#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <X11/extensions/XShm.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <stdlib.h>
#include <string.h>

#define CAP_OK 0
#define CAP_NO_DISPLAY 1
#define CAP_BAD_WINDOW 2
#define CAP_UNMAPPED 3
#define CAP_NO_IMAGE 4
#define CAP_SIZE_CHANGED 5

static int g_lastXError = 0;

static int recorderXErrorHandler(Display* d, XErrorEvent* e) {
    (void)d;
    g_lastXError = e->error_code;
    return 0;
}

typedef struct {
    Display* display;
    Window window;
    Visual* visual;
    int depth;
    XShmSegmentInfo shmInfo;
    XImage* shmImage;
    int shmWidth;
    int shmHeight;
} WindowContext;

static void releaseShm(WindowContext* ctx) {
    if (ctx->shmImage == NULL) {
        return;
    }
    XShmDetach(ctx->display, &ctx->shmInfo);
    XSync(ctx->display, False);
    shmdt(ctx->shmInfo.shmaddr);
    // data points into the detached segment, not malloc'd memory.
    ctx->shmImage->data = NULL;
    XDestroyImage(ctx->shmImage);
    ctx->shmImage = NULL;
    ctx->shmWidth = 0;
    ctx->shmHeight = 0;
}

// setupShm attaches a shared memory image of the window's size. It returns 0
// when shared memory cannot be used, e.g. on a remote display.
static int setupShm(WindowContext* ctx, int width, int height) {
    releaseShm(ctx);
    if (width <= 0 || height <= 0) {
        return 0;
    }

    XImage* img = XShmCreateImage(ctx->display, ctx->visual, ctx->depth, ZPixmap,
                                  NULL, &ctx->shmInfo, width, height);
    if (img == NULL) {
        return 0;
    }
    ctx->shmInfo.shmid = shmget(IPC_PRIVATE, img->bytes_per_line * img->height, IPC_CREAT | 0600);
    if (ctx->shmInfo.shmid < 0) {
        XDestroyImage(img);
        return 0;
    }
    ctx->shmInfo.shmaddr = img->data = shmat(ctx->shmInfo.shmid, 0, 0);
    if (ctx->shmInfo.shmaddr == (char*)-1) {
        shmctl(ctx->shmInfo.shmid, IPC_RMID, 0);
        img->data = NULL;
        XDestroyImage(img);
        return 0;
    }
    ctx->shmInfo.readOnly = False;

    g_lastXError = 0;
    Status attached = XShmAttach(ctx->display, &ctx->shmInfo);
    XSync(ctx->display, False);
    // The segment is freed once both sides detach.
    shmctl(ctx->shmInfo.shmid, IPC_RMID, 0);
    if (!attached || g_lastXError != 0) {
        shmdt(ctx->shmInfo.shmaddr);
        img->data = NULL;
        XDestroyImage(img);
        return 0;
    }

    ctx->shmImage = img;
    ctx->shmWidth = width;
    ctx->shmHeight = height;
    return 1;
}

static WindowContext* openWindowContext(const char* name, unsigned long wid, int* err) {
    static int threadsInit = 0;
    if (!threadsInit) {
        XInitThreads();
        XSetErrorHandler(recorderXErrorHandler);
        threadsInit = 1;
    }

    Display* dpy = XOpenDisplay(name);
    if (dpy == NULL) {
        *err = CAP_NO_DISPLAY;
        return NULL;
    }

    XWindowAttributes attrs;
    g_lastXError = 0;
    Status ok = XGetWindowAttributes(dpy, (Window)wid, &attrs);
    XSync(dpy, False);
    if (!ok || g_lastXError == BadWindow) {
        XCloseDisplay(dpy);
        *err = CAP_BAD_WINDOW;
        return NULL;
    }

    WindowContext* ctx = calloc(1, sizeof(WindowContext));
    ctx->display = dpy;
    ctx->window = (Window)wid;
    ctx->visual = attrs.visual;
    ctx->depth = attrs.depth;

    int major, minor;
    Bool pixmaps;
    if (XShmQueryVersion(dpy, &major, &minor, &pixmaps)) {
        setupShm(ctx, attrs.width, attrs.height);
    }

    *err = CAP_OK;
    return ctx;
}

static void closeWindowContext(WindowContext* ctx) {
    if (ctx == NULL) {
        return;
    }
    if (ctx->display != NULL) {
        releaseShm(ctx);
        XCloseDisplay(ctx->display);
    }
    free(ctx);
}

static unsigned long defaultRootWindow(const char* name) {
    Display* dpy = XOpenDisplay(name);
    if (dpy == NULL) {
        return 0;
    }
    unsigned long root = (unsigned long)DefaultRootWindow(dpy);
    XCloseDisplay(dpy);
    return root;
}

static int shmReady(WindowContext* ctx) {
    return ctx->shmImage != NULL;
}

static int windowSize(WindowContext* ctx, int* width, int* height, int* viewable) {
    XWindowAttributes attrs;
    g_lastXError = 0;
    Status ok = XGetWindowAttributes(ctx->display, ctx->window, &attrs);
    XSync(ctx->display, False);
    if (!ok || g_lastXError == BadWindow) {
        return CAP_BAD_WINDOW;
    }
    *width = attrs.width;
    *height = attrs.height;
    *viewable = attrs.map_state == IsViewable;
    return CAP_OK;
}

static void copyImage(XImage* image, unsigned char* dst, int width, int height, int stride) {
    if (image->bits_per_pixel == 32 && image->byte_order == LSBFirst &&
        image->red_mask == 0xFF0000 && image->green_mask == 0xFF00 && image->blue_mask == 0xFF) {
        for (int y = 0; y < height; y++) {
            unsigned char* src = (unsigned char*)image->data + y * image->bytes_per_line;
            unsigned char* row = dst + y * stride;
            memcpy(row, src, width * 4);
            for (int x = 0; x < width; x++) {
                row[x * 4 + 3] = 255;
            }
        }
        return;
    }
    for (int y = 0; y < height; y++) {
        unsigned char* row = dst + y * stride;
        for (int x = 0; x < width; x++) {
            unsigned long pixel = XGetPixel(image, x, y);
            unsigned char* px = row + x * 4;
            if (image->bits_per_pixel == 16) {
                px[2] = ((pixel >> 11) & 0x1F) * 255 / 31;
                px[1] = ((pixel >> 5) & 0x3F) * 255 / 63;
                px[0] = (pixel & 0x1F) * 255 / 31;
            } else {
                px[2] = (pixel >> 16) & 0xFF;
                px[1] = (pixel >> 8) & 0xFF;
                px[0] = pixel & 0xFF;
            }
            px[3] = 255;
        }
    }
}

// grabWindow copies the window into dst as BGRA rows of the given stride.
// The caller sized dst for width x height. XShmGetImage is used when a
// shared segment is attached, XGetImage otherwise or when it fails.
static int grabWindow(WindowContext* ctx, unsigned char* dst, int width, int height, int stride, int* viaShm) {
    *viaShm = 0;
    int w, h, viewable;
    int rc = windowSize(ctx, &w, &h, &viewable);
    if (rc != CAP_OK) {
        return rc;
    }
    if (!viewable) {
        return CAP_UNMAPPED;
    }
    if (w != width || h != height) {
        return CAP_SIZE_CHANGED;
    }

    if (ctx->shmImage != NULL && (ctx->shmWidth != width || ctx->shmHeight != height)) {
        setupShm(ctx, width, height);
    }
    if (ctx->shmImage != NULL) {
        g_lastXError = 0;
        Status ok = XShmGetImage(ctx->display, ctx->window, ctx->shmImage, 0, 0, AllPlanes);
        XSync(ctx->display, False);
        if (g_lastXError == BadWindow) {
            return CAP_BAD_WINDOW;
        }
        if (ok && g_lastXError == 0) {
            copyImage(ctx->shmImage, dst, width, height, stride);
            *viaShm = 1;
            return CAP_OK;
        }
    }

    g_lastXError = 0;
    XImage* image = XGetImage(ctx->display, ctx->window, 0, 0, width, height, AllPlanes, ZPixmap);
    XSync(ctx->display, False);
    if (g_lastXError == BadWindow) {
        if (image != NULL) {
            XDestroyImage(image);
        }
        return CAP_BAD_WINDOW;
    }
    if (image == NULL) {
        return CAP_NO_IMAGE;
    }
    copyImage(image, dst, width, height, stride);
    XDestroyImage(image);
    return CAP_OK;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/breeze-rmm/recorder/internal/media"
)

// x11Capturer grabs one X11 window, through an MIT-SHM segment when the
// display allows it and XGetImage otherwise. Each capturer owns its own
// display connection.
type x11Capturer struct {
	mu        sync.Mutex
	ctx       *C.WindowContext
	windowID  uint64
	pool      media.FramePool
	shmFrames uint64 // grabs served by the shared memory segment
}

func newPlatformCapturer(opts Options) (Grabber, error) {
	var cname *C.char
	if opts.Display != "" {
		cname = C.CString(opts.Display)
		defer C.free(unsafe.Pointer(cname))
	}

	var code C.int
	ctx := C.openWindowContext(cname, C.ulong(opts.WindowID), &code)
	if ctx == nil {
		return nil, translateError(int(code), opts.WindowID)
	}
	return &x11Capturer{ctx: ctx, windowID: opts.WindowID}, nil
}

func (c *x11Capturer) Grab() (*media.VideoFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return nil, ErrWindowClosed
	}

	var w, h, viewable C.int
	if rc := C.windowSize(c.ctx, &w, &h, &viewable); rc != C.CAP_OK {
		return nil, translateError(int(rc), c.windowID)
	}
	if viewable == 0 || w <= 0 || h <= 0 {
		return nil, ErrNoFrame
	}

	frame := c.pool.Get(int(w), int(h))
	var viaShm C.int
	rc := C.grabWindow(c.ctx, (*C.uchar)(unsafe.Pointer(&frame.Pix[0])), w, h, C.int(frame.Stride), &viaShm)
	if rc != C.CAP_OK {
		frame.Release()
		return nil, translateError(int(rc), c.windowID)
	}
	if viaShm != 0 {
		c.shmFrames++
	}
	frame.PixelFormat = media.PixelFormatBGRA
	frame.PTS = media.Now()
	frame.Status = media.StatusComplete
	return frame, nil
}

func (c *x11Capturer) Bounds() (int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return 0, 0, ErrWindowClosed
	}
	var w, h, viewable C.int
	if rc := C.windowSize(c.ctx, &w, &h, &viewable); rc != C.CAP_OK {
		return 0, 0, translateError(int(rc), c.windowID)
	}
	return int(w), int(h), nil
}

func (c *x11Capturer) SupportsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx != nil && C.shmReady(c.ctx) != 0
}

func (c *x11Capturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		C.closeWindowContext(c.ctx)
		c.ctx = nil
	}
	return nil
}

// rootWindowID returns the root window of display, or 0 when the display
// cannot be opened.
func rootWindowID(display string) uint64 {
	var cname *C.char
	if display != "" {
		cname = C.CString(display)
		defer C.free(unsafe.Pointer(cname))
	}
	return uint64(C.defaultRootWindow(cname))
}

func translateError(code int, windowID uint64) error {
	switch code {
	case C.CAP_NO_DISPLAY:
		return fmt.Errorf("%w: failed to open X11 display (is DISPLAY set?)", media.ErrCaptureUnavailable)
	case C.CAP_BAD_WINDOW:
		return fmt.Errorf("window 0x%x: %w", windowID, ErrWindowClosed)
	case C.CAP_UNMAPPED, C.CAP_NO_IMAGE, C.CAP_SIZE_CHANGED:
		return ErrNoFrame
	default:
		return errors.New("unknown X11 capture error")
	}
}

var (
	_ Grabber       = (*x11Capturer)(nil)
	_ StreamCapable = (*x11Capturer)(nil)
)
