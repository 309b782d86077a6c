package gldevice

import (
	"fmt"
	"runtime"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/veandco/go-sdl2/sdl"
	"go.uber.org/zap"
)

// glThread owns an OpenGL context on a locked OS thread. All GL calls go
// through do.
type glThread struct {
	calls chan func()
	done  chan struct{}

	window  *sdl.Window
	context sdl.GLContext
}

// startThread creates a hidden SDL window with a 4.1 core context on a
// dedicated thread.
func startThread(log *zap.Logger) (*glThread, error) {
	t := &glThread{
		calls: make(chan func()),
		done:  make(chan struct{}),
	}
	ready := make(chan error, 1)
	go t.loop(log, ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return t, nil
}

func (t *glThread) loop(log *zap.Logger, ready chan<- error) {
	// OpenGL calls must stay on the thread that made the context current
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	if err := t.open(log); err != nil {
		ready <- err
		return
	}
	ready <- nil

	for fn := range t.calls {
		fn()
	}
	t.close(log)
}

func (t *glThread) open(log *zap.Logger) error {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return fmt.Errorf("SDL_Init failed: %w", err)
	}

	sdl.GLSetAttribute(sdl.GL_CONTEXT_MAJOR_VERSION, 4)
	sdl.GLSetAttribute(sdl.GL_CONTEXT_MINOR_VERSION, 1)
	sdl.GLSetAttribute(sdl.GL_CONTEXT_PROFILE_MASK, sdl.GL_CONTEXT_PROFILE_CORE)

	var err error
	t.window, err = sdl.CreateWindow("scenepose", sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		1, 1, sdl.WINDOW_OPENGL|sdl.WINDOW_HIDDEN)
	if err != nil {
		sdl.Quit()
		return fmt.Errorf("SDL_CreateWindow failed: %w", err)
	}
	t.context, err = t.window.GLCreateContext()
	if err != nil {
		t.window.Destroy()
		sdl.Quit()
		return fmt.Errorf("SDL_GL_CreateContext failed: %w", err)
	}
	if err := gl.Init(); err != nil {
		t.close(log)
		return fmt.Errorf("gl.Init failed: %w", err)
	}

	log.Info("GL context created",
		zap.String("vendor", gl.GoStr(gl.GetString(gl.VENDOR))),
		zap.String("renderer", gl.GoStr(gl.GetString(gl.RENDERER))),
		zap.String("version", gl.GoStr(gl.GetString(gl.VERSION))))
	return nil
}

func (t *glThread) close(log *zap.Logger) {
	log.Info("closing GL context")
	if t.context != nil {
		sdl.GLDeleteContext(t.context)
	}
	if t.window != nil {
		t.window.Destroy()
	}
	sdl.Quit()
}

// do runs fn on the GL thread and waits for it.
func (t *glThread) do(fn func()) {
	finished := make(chan struct{})
	t.calls <- func() {
		defer close(finished)
		fn()
	}
	<-finished
}

// stop runs the remaining calls, destroys the context and waits.
func (t *glThread) stop() {
	close(t.calls)
	<-t.done
}
