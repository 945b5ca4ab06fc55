package graph

import "fmt"

// AOVPreset returns the standard VFX output layout: a 16-bit main node with
// beauty and lighting passes, plus 32-bit data and cryptomatte nodes. All
// three write multilayer EXRs under the job's renders directory.
func AOVPreset() OutputGraph {
	half := Format{Kind: "OPEN_EXR_MULTILAYER", BitDepth: 16, ColorMode: "RGBA"}
	full := Format{Kind: "OPEN_EXR_MULTILAYER", BitDepth: 32, ColorMode: "RGBA"}

	crypto := []string{"CryptoObject", "CryptoMaterial", "CryptoAsset"}
	for i := 0; i < 3; i++ {
		crypto = append(crypto,
			fmt.Sprintf("CryptoObject%02d", i),
			fmt.Sprintf("CryptoMaterial%02d", i),
			fmt.Sprintf("CryptoAsset%02d", i),
		)
	}

	return OutputGraph{Nodes: []OutputNode{
		presetNode("main", half, []string{
			"rgba", "diffuseDirect", "diffuseIndirect", "diffuseColor",
			"specularDirect", "specularIndirect", "specularColor",
			"transmissionDirect", "transmissionIndirect", "transmissionColor",
			"emission", "background", "shadow", "ao",
		}),
		presetNode("data", full, []string{"normal", "depth", "position", "motion"}),
		presetNode("crypto", full, crypto),
	}}
}

func presetNode(name string, format Format, slots []string) OutputNode {
	n := OutputNode{
		Name:     name,
		BasePath: "//renders/" + name + ".####.exr",
		Format:   format,
		Slots:    make([]OutputSlot, len(slots)),
	}
	for i, s := range slots {
		n.Slots[i] = OutputSlot{Name: s, Path: s, Format: format}
	}
	return n
}
