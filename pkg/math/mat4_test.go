package math

import (
	"math"
	"testing"
)

func TestIdentity(t *testing.T) {
	m := Identity()
	// Diagonal should be 1
	if m[0] != 1 || m[5] != 1 || m[10] != 1 || m[15] != 1 {
		t.Error("Identity diagonal should be 1")
	}
	// Off-diagonal should be 0
	if m[1] != 0 || m[4] != 0 {
		t.Error("Identity off-diagonal should be 0")
	}
}

func TestMulIdentity(t *testing.T) {
	m := Translate(1, 2, 3)
	result := m.Mul(Identity())

	for i := 0; i < 16; i++ {
		if result[i] != m[i] {
			t.Errorf("M * I should equal M, element %d: got %f, want %f", i, result[i], m[i])
		}
	}
}

func TestTranslate(t *testing.T) {
	m := Translate(5, 10, 15)

	// Translation lives in the fourth column (indices 12, 13, 14)
	if m[12] != 5 || m[13] != 10 || m[14] != 15 {
		t.Errorf("Translate: got (%f, %f, %f), want (5, 10, 15)", m[12], m[13], m[14])
	}
}

func TestTransformPoint(t *testing.T) {
	tests := []struct {
		name string
		m    Mat4
		p    Vec3
		want Vec3
	}{
		{"translate", Translate(10, 20, 30), Vec3{1, 2, 3}, Vec3{11, 22, 33}},
		{"scale", Scale(2, 2, 2), Vec3{1, 2, 3}, Vec3{2, 4, 6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.TransformPoint(tt.p); got != tt.want {
				t.Errorf("TransformPoint: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRotateAxisY90(t *testing.T) {
	m := RotateAxis(Vec3{0, 1, 0}, float32(math.Pi/2))
	result := m.TransformPoint(Vec3{1, 0, 0})

	// After 90 degree Y rotation, (1,0,0) should become approximately (0,0,-1)
	if abs(result.X) > 0.001 || abs(result.Y) > 0.001 || abs(result.Z+1) > 0.001 {
		t.Errorf("RotateAxis Y 90: got %v, want (0, 0, -1)", result)
	}
}

func TestTRSOrder(t *testing.T) {
	// Scale is applied first, then rotation, then translation.
	m := TRS(Vec3{10, 0, 0}, QuatFromAxisAngle(Vec3{0, 0, 1}, float32(math.Pi/2)), Vec3{2, 2, 2})
	got := m.TransformPoint(Vec3{1, 0, 0})
	want := Vec3{10, 2, 0}
	if abs(got.X-want.X) > 0.001 || abs(got.Y-want.Y) > 0.001 || abs(got.Z-want.Z) > 0.001 {
		t.Errorf("TRS: got %v, want %v", got, want)
	}
}

func TestDecomposeRoundTrip(t *testing.T) {
	tr := Vec3{1, -2, 3}
	rot := QuatFromAxisAngle(Vec3{0, 1, 0}.Normalize(), 0.7)
	sc := Vec3{2, 3, 0.5}
	m := TRS(tr, rot, sc)

	gt, gr, gs := m.Decompose()
	if !TRS(gt, gr, gs).ApproxEqual(m, 0.0001) {
		t.Errorf("Decompose round trip mismatch: t=%v r=%v s=%v", gt, gr, gs)
	}
}

func TestInverse(t *testing.T) {
	m := TRS(Vec3{4, 5, 6}, QuatFromAxisAngle(Vec3{1, 0, 0}, 0.3), Vec3{1, 2, 3})
	if !m.Mul(m.Inverse()).ApproxEqual(Identity(), 0.0001) {
		t.Error("M * M^-1 should be identity")
	}

	var singular Mat4
	if singular.Inverse() != Identity() {
		t.Error("singular matrix inverse should fall back to identity")
	}
}

func TestPutReadMat4(t *testing.T) {
	m := Translate(1.5, -2, 3)
	buf := make([]byte, Mat4Size)
	m.Put(buf)

	if got := ReadMat4(buf); got != m {
		t.Errorf("ReadMat4: got %v, want %v", got, m)
	}
}

func abs(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
