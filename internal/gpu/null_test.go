package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/scenepose/internal/pool"
)

func TestNullPoolVisibility(t *testing.T) {
	tests := []struct {
		name    string
		unified bool
		kind    pool.Kind
		host    bool
	}{
		{"staging", false, pool.Staging, true},
		{"bind discrete", false, pool.Bind, false},
		{"bind unified", true, pool.Bind, true},
		{"descriptors", false, pool.DescriptorSampler, true},
		{"image", true, pool.Image, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := DefaultCaps()
			caps.UnifiedMemory = tt.unified
			d := NewNullDevice(caps)

			mem, err := d.AllocatePool(tt.kind, 64)
			require.NoError(t, err)
			assert.NotZero(t, mem.Handle)
			assert.Equal(t, tt.host, mem.Bytes != nil)
			assert.Len(t, d.PoolBytes(tt.kind), 64)
		})
	}
}

func TestNullSamplerLimit(t *testing.T) {
	caps := DefaultCaps()
	caps.MaxSamplers = 2
	d := NewNullDevice(caps)

	a, err := d.CreateSampler(SamplerDesc{})
	require.NoError(t, err)
	_, err = d.CreateSampler(SamplerDesc{})
	require.NoError(t, err)
	_, err = d.CreateSampler(SamplerDesc{})
	assert.ErrorIs(t, err, ErrSamplerLimit)

	d.DestroySampler(a)
	_, err = d.CreateSampler(SamplerDesc{})
	assert.NoError(t, err)
	assert.Equal(t, 1, d.Calls().SamplersRefused)
}

func TestNullSubmitCopies(t *testing.T) {
	d := NewNullDevice(DefaultCaps())
	staging, err := d.AllocatePool(pool.Staging, 2048)
	require.NoError(t, err)
	_, err = d.AllocatePool(pool.Bind, 64)
	require.NoError(t, err)
	_, err = d.AllocatePool(pool.Image, 1024)
	require.NoError(t, err)

	copy(staging.Bytes, []byte{1, 2, 3, 4})
	img, req, err := d.CreateImage(ImageDesc{Width: 2, Height: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(16), req.Size)
	require.NoError(t, d.BindImageMemory(img, 256))
	for i := range 16 {
		staging.Bytes[1024+i] = byte(i)
	}

	err = d.Submit(CopyBatch{
		Ops: []CopyOp{
			{Kind: CopyBuffer, SrcOffset: 0, DstOffset: 8, Size: 4},
			{Kind: CopyImage, SrcOffset: 1024, Size: 16, Image: img, Width: 2, Height: 2},
		},
		OwnershipTransfer: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []byte{1, 2, 3, 4}, d.PoolBytes(pool.Bind)[8:12])
	assert.Equal(t, byte(15), d.ImagePixels(img)[15])
	calls := d.Calls()
	assert.Equal(t, 2, calls.CopyOps)
	assert.Equal(t, 1, calls.OwnershipBarrier)

	err = d.Submit(CopyBatch{Ops: []CopyOp{{Kind: CopyBuffer, DstOffset: 60, Size: 8}}})
	assert.Error(t, err)
}

func TestNullBindImageMisaligned(t *testing.T) {
	d := NewNullDevice(DefaultCaps())
	_, err := d.AllocatePool(pool.Image, 4096)
	require.NoError(t, err)
	img, _, err := d.CreateImage(ImageDesc{Width: 4, Height: 4})
	require.NoError(t, err)

	assert.Error(t, d.BindImageMemory(img, 100))
	assert.ErrorIs(t, d.BindImageMemory(img, 4096), ErrOutOfMemory)
	assert.ErrorIs(t, d.BindImageMemory(ImageHandle(999), 0), ErrInvalidHandle)
}

func TestNullEncodeDescriptor(t *testing.T) {
	d := NewNullDevice(DefaultCaps())
	dst := make([]byte, 16)

	err := d.EncodeDescriptor(DescriptorInfo{Type: DescriptorUniform, Pool: pool.Bind, Offset: 512, Size: 64}, dst)
	require.NoError(t, err)
	assert.Equal(t, byte(DescriptorUniform), dst[0])
	assert.Equal(t, byte(pool.Bind), dst[1])
	assert.Equal(t, byte(64), dst[4])
	assert.Equal(t, []byte{0, 2}, dst[8:10])

	err = d.EncodeDescriptor(DescriptorInfo{Type: DescriptorSampler, Sampler: 7}, dst)
	assert.ErrorIs(t, err, ErrInvalidHandle)

	err = d.EncodeDescriptor(DescriptorInfo{Type: DescriptorUniform}, make([]byte, 8))
	assert.Error(t, err)
}

func TestNullPipelineFailure(t *testing.T) {
	d := NewNullDevice(DefaultCaps())
	d.FailPipelines = 1

	p, err := d.CreatePipeline(PipelineDesc{Attributes: AttrPosition})
	require.NoError(t, err)
	_, err = d.CreatePipeline(PipelineDesc{Skinned: true})
	assert.ErrorIs(t, err, ErrOutOfMemory)

	d.DestroyPipeline(p)
	_, _, live := d.Live()
	assert.Zero(t, live)
}

func TestCopyBatchBytes(t *testing.T) {
	b := CopyBatch{Ops: []CopyOp{{Size: 10}, {Size: 6}}}
	assert.Equal(t, uint64(16), b.Bytes())
}
