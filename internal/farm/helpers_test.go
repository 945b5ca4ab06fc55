package farm

import (
	"context"
	"os"
	"path/filepath"

	"github.com/withObsrvr/obsrvr-render-farm/internal/graph"
	"github.com/withObsrvr/obsrvr-render-farm/internal/worker"
)

// twoNodeGraph has a beauty node and a data node with a nested slot.
func twoNodeGraph(mainBase, dataBase string) graph.OutputGraph {
	return graph.OutputGraph{Nodes: []graph.OutputNode{
		{
			Name:     "main",
			BasePath: mainBase,
			Slots:    []graph.OutputSlot{{Name: "rgba", Path: "main.####.exr"}},
		},
		{
			Name:     "data",
			BasePath: dataBase,
			Slots: []graph.OutputSlot{
				{Name: "normal", Path: "data.####.exr"},
				{Name: "depth", Path: "depth/data_depth.####.exr"},
			},
		},
	}}
}

// writeSlots emulates the engine: one file per slot under the node's
// (redirected) base path.
func writeSlots(job worker.Job) error {
	for _, n := range job.Outputs.Nodes {
		for _, s := range n.Slots {
			p := filepath.Join(n.BasePath, filepath.FromSlash(graph.SubstituteFrame(s.Path, job.Frame)))
			if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(p, []byte(n.Name+"/"+s.Name), 0644); err != nil {
				return err
			}
		}
	}
	return nil
}

var engine = worker.RendererFunc(func(ctx context.Context, job worker.Job) error {
	return writeSlots(job)
})
