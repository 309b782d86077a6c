package gldevice

import (
	"fmt"
	"strings"

	"github.com/go-gl/gl/v4.1-core/gl"

	"github.com/Faultbox/scenepose/internal/gpu"
)

// Vertex attribute locations, one per gpu.Attr bit in bit order.
var attributes = []struct {
	bit  uint32
	decl string
}{
	{gpu.AttrPosition, "vec3 aPosition"},
	{gpu.AttrNormal, "vec3 aNormal"},
	{gpu.AttrTangent, "vec4 aTangent"},
	{gpu.AttrTexCoord0, "vec2 aTexCoord0"},
	{gpu.AttrTexCoord1, "vec2 aTexCoord1"},
	{gpu.AttrColor0, "vec4 aColor0"},
	{gpu.AttrJoints0, "uvec4 aJoints0"},
	{gpu.AttrWeights0, "vec4 aWeights0"},
}

// textureNames are the sampler uniforms per material texture slot.
var textureNames = []string{"uBaseColor", "uMetallicRoughness", "uNormal", "uOcclusion", "uEmissive"}

// vertexSource generates the vertex shader of a pipeline variant. The
// pose block holds the joint matrices, or the node matrix when unskinned,
// followed by the morph weights.
func vertexSource(desc gpu.PipelineDesc) string {
	var b strings.Builder
	b.WriteString("#version 410 core\n")
	for loc, a := range attributes {
		if desc.Attributes&a.bit != 0 {
			fmt.Fprintf(&b, "layout(location = %d) in %s;\n", loc, a.decl)
		}
	}

	joints := 1
	if desc.Skinned {
		joints = max(desc.Joints, 1)
	}
	b.WriteString("layout(std140) uniform Pose {\n")
	fmt.Fprintf(&b, "\tmat4 uJoints[%d];\n", joints)
	if desc.MorphTargets > 0 {
		fmt.Fprintf(&b, "\tvec4 uWeights[%d];\n", (desc.MorphTargets+3)/4)
	}
	b.WriteString("};\n")
	b.WriteString("uniform mat4 uViewProj;\n")
	b.WriteString("out vec2 vTexCoord;\nout vec4 vColor;\n")

	b.WriteString("void main() {\n")
	b.WriteString("\tvec4 pos = vec4(aPosition, 1.0);\n")
	if desc.Skinned && desc.Attributes&gpu.AttrWeights0 != 0 {
		b.WriteString("\tmat4 skin = aWeights0.x * uJoints[aJoints0.x] + aWeights0.y * uJoints[aJoints0.y]" +
			" + aWeights0.z * uJoints[aJoints0.z] + aWeights0.w * uJoints[aJoints0.w];\n")
		b.WriteString("\tgl_Position = uViewProj * skin * pos;\n")
	} else {
		b.WriteString("\tgl_Position = uViewProj * uJoints[0] * pos;\n")
	}
	if desc.Attributes&gpu.AttrTexCoord0 != 0 {
		b.WriteString("\tvTexCoord = aTexCoord0;\n")
	} else {
		b.WriteString("\tvTexCoord = vec2(0.0);\n")
	}
	if desc.Attributes&gpu.AttrColor0 != 0 {
		b.WriteString("\tvColor = aColor0;\n")
	} else {
		b.WriteString("\tvColor = vec4(1.0);\n")
	}
	b.WriteString("}\n")
	return b.String()
}

// fragmentSource generates the fragment shader of a pipeline variant.
func fragmentSource(desc gpu.PipelineDesc) string {
	var b strings.Builder
	b.WriteString("#version 410 core\n")
	b.WriteString("in vec2 vTexCoord;\nin vec4 vColor;\nout vec4 fragColor;\n")
	b.WriteString("layout(std140) uniform Material {\n\tvec4 uBaseColorFactor;\n\tvec4 uEmissiveMetallic;\n\tvec4 uParams;\n};\n")
	for slot, name := range textureNames {
		if desc.Textures&(1<<slot) != 0 {
			fmt.Fprintf(&b, "uniform sampler2D %s;\n", name)
		}
	}
	b.WriteString("void main() {\n\tvec4 color = uBaseColorFactor * vColor;\n")
	if desc.Textures&1 != 0 {
		b.WriteString("\tcolor *= texture(uBaseColor, vTexCoord);\n")
	}
	if desc.AlphaMask {
		b.WriteString("\tif (color.a < uParams.y) discard;\n")
	}
	b.WriteString("\tfragColor = color;\n}\n")
	return b.String()
}

// compileProgram compiles vertex and fragment shaders and links them into a program.
func compileProgram(vertexSrc, fragmentSrc string) (uint32, error) {
	vertShader, err := compileShader(vertexSrc, gl.VERTEX_SHADER, "vertex")
	if err != nil {
		return 0, err
	}
	defer gl.DeleteShader(vertShader)

	fragShader, err := compileShader(fragmentSrc, gl.FRAGMENT_SHADER, "fragment")
	if err != nil {
		return 0, err
	}
	defer gl.DeleteShader(fragShader)

	program := gl.CreateProgram()
	gl.AttachShader(program, vertShader)
	gl.AttachShader(program, fragShader)
	gl.LinkProgram(program)

	var status int32
	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLen int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &logLen)
		log := make([]byte, max(logLen, 1))
		gl.GetProgramInfoLog(program, logLen, nil, &log[0])
		gl.DeleteProgram(program)
		return 0, fmt.Errorf("link: %s", strings.TrimRight(string(log), "\x00"))
	}
	return program, nil
}

func compileShader(source string, shaderType uint32, name string) (uint32, error) {
	shader := gl.CreateShader(shaderType)
	csource, free := gl.Strs(source + "\x00")
	gl.ShaderSource(shader, 1, csource, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLen int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLen)
		log := make([]byte, max(logLen, 1))
		gl.GetShaderInfoLog(shader, logLen, nil, &log[0])
		gl.DeleteShader(shader)
		return 0, fmt.Errorf("%s shader: %s", name, strings.TrimRight(string(log), "\x00"))
	}
	return shader, nil
}

// bindSamplers points the program's texture uniforms at consecutive
// texture units.
func bindSamplers(program uint32, desc gpu.PipelineDesc) {
	gl.UseProgram(program)
	unit := int32(0)
	for slot, name := range textureNames {
		if desc.Textures&(1<<slot) == 0 {
			continue
		}
		if loc := gl.GetUniformLocation(program, gl.Str(name+"\x00")); loc >= 0 {
			gl.Uniform1i(loc, unit)
		}
		unit++
	}
	gl.UseProgram(0)
}
