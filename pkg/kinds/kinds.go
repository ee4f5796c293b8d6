// Package kinds 汇总所有内置任务种类的注册。
// 服务端二进制以空导入方式引入本包，即完成全部注册。
package kinds

import (
	_ "github.com/stevelan1995/gridflow/pkg/kinds/bidsapp"
	_ "github.com/stevelan1995/gridflow/pkg/kinds/civet"
	_ "github.com/stevelan1995/gridflow/pkg/kinds/civetcombiner"
	_ "github.com/stevelan1995/gridflow/pkg/kinds/civetqc"
)
