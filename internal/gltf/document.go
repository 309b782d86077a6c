package gltf

// document mirrors the subset of the glTF 2.0 JSON schema the loader reads.
type document struct {
	Asset struct {
		Version string `json:"version"`
	} `json:"asset"`
	Scene       *int          `json:"scene"`
	Scenes      []scene       `json:"scenes"`
	Nodes       []node        `json:"nodes"`
	Meshes      []mesh        `json:"meshes"`
	Accessors   []accessor    `json:"accessors"`
	BufferViews []bufferView  `json:"bufferViews"`
	Buffers     []buffer      `json:"buffers"`
	Materials   []material    `json:"materials"`
	Textures    []texture     `json:"textures"`
	Images      []imageSource `json:"images"`
	Samplers    []sampler     `json:"samplers"`
	Skins       []skin        `json:"skins"`
	Animations  []animation   `json:"animations"`

	ExtensionsRequired []string `json:"extensionsRequired"`
}

type scene struct {
	Name  string `json:"name"`
	Nodes []int  `json:"nodes"`
}

type node struct {
	Name        string       `json:"name"`
	Children    []int        `json:"children"`
	Mesh        *int         `json:"mesh"`
	Skin        *int         `json:"skin"`
	Matrix      *[16]float32 `json:"matrix"`
	Translation *[3]float32  `json:"translation"`
	Rotation    *[4]float32  `json:"rotation"`
	Scale       *[3]float32  `json:"scale"`
	Weights     []float32    `json:"weights"`
}

type mesh struct {
	Name       string      `json:"name"`
	Primitives []primitive `json:"primitives"`
	Weights    []float32   `json:"weights"`
}

type primitive struct {
	Attributes map[string]int   `json:"attributes"`
	Indices    *int             `json:"indices"`
	Material   *int             `json:"material"`
	Mode       *int             `json:"mode"`
	Targets    []map[string]int `json:"targets"`
}

type accessor struct {
	BufferView    *int   `json:"bufferView"`
	ByteOffset    int    `json:"byteOffset"`
	ComponentType int    `json:"componentType"`
	Normalized    bool   `json:"normalized"`
	Count         int    `json:"count"`
	Type          string `json:"type"`
	Sparse        *struct {
		Count int `json:"count"`
	} `json:"sparse"`
}

type bufferView struct {
	Buffer     int `json:"buffer"`
	ByteOffset int `json:"byteOffset"`
	ByteLength int `json:"byteLength"`
	ByteStride int `json:"byteStride"`
}

type buffer struct {
	URI        string `json:"uri"`
	ByteLength int    `json:"byteLength"`
}

type textureInfo struct {
	Index    int `json:"index"`
	TexCoord int `json:"texCoord"`
}

type material struct {
	Name string `json:"name"`
	PBR  *struct {
		BaseColorFactor          *[4]float32  `json:"baseColorFactor"`
		BaseColorTexture         *textureInfo `json:"baseColorTexture"`
		MetallicFactor           *float32     `json:"metallicFactor"`
		RoughnessFactor          *float32     `json:"roughnessFactor"`
		MetallicRoughnessTexture *textureInfo `json:"metallicRoughnessTexture"`
	} `json:"pbrMetallicRoughness"`
	NormalTexture    *textureInfo `json:"normalTexture"`
	OcclusionTexture *textureInfo `json:"occlusionTexture"`
	EmissiveTexture  *textureInfo `json:"emissiveTexture"`
	EmissiveFactor   [3]float32   `json:"emissiveFactor"`
	AlphaMode        string       `json:"alphaMode"`
	AlphaCutoff      *float32     `json:"alphaCutoff"`
	DoubleSided      bool         `json:"doubleSided"`
}

type texture struct {
	Sampler *int `json:"sampler"`
	Source  *int `json:"source"`
}

type imageSource struct {
	Name       string `json:"name"`
	URI        string `json:"uri"`
	MimeType   string `json:"mimeType"`
	BufferView *int   `json:"bufferView"`
}

type sampler struct {
	MagFilter int  `json:"magFilter"`
	MinFilter int  `json:"minFilter"`
	WrapS     *int `json:"wrapS"`
	WrapT     *int `json:"wrapT"`
}

type skin struct {
	Name                string `json:"name"`
	InverseBindMatrices *int   `json:"inverseBindMatrices"`
	Skeleton            *int   `json:"skeleton"`
	Joints              []int  `json:"joints"`
}

type animation struct {
	Name     string             `json:"name"`
	Channels []channel          `json:"channels"`
	Samplers []animationSampler `json:"samplers"`
}

type channel struct {
	Sampler int `json:"sampler"`
	Target  struct {
		Node *int   `json:"node"`
		Path string `json:"path"`
	} `json:"target"`
}

type animationSampler struct {
	Input         int    `json:"input"`
	Output        int    `json:"output"`
	Interpolation string `json:"interpolation"`
}
