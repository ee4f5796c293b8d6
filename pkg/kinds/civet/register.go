package civet

import (
	"github.com/stevelan1995/gridflow/pkg/core/cluster"
	"github.com/stevelan1995/gridflow/pkg/core/portal"
	"github.com/stevelan1995/gridflow/pkg/core/registry"
)

func init() {
	registry.MustRegister(registry.Entry{
		Name:    KindName,
		Portal:  func() portal.Kind { return &Portal{} },
		Cluster: func() cluster.Kind { return &Cluster{} },
	})
}
