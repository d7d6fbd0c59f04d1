package i18n

// ZhCNMessages 简体中文消息目录
// ZhCNMessages Simplified Chinese message catalog
var ZhCNMessages = map[string]string{
	// REPL 横幅与提示
	"repl.banner":       "会话 %d（%s）；输入 /help 查看命令",
	"repl.error":        "错误：",
	"repl.help":         "命令：",
	"consent.prompt":    "允许吗？[y]本次 / [a]总是 / [N]拒绝：",
	"proposal.prompt":   "应用这些修改？[y/N]：",
	"proposal.none":     "没有待处理的提案",
	"proposal.state":    "状态：%s",
	"proposal.rejected": "已拒绝修改",

	// 流结果
	"stream.cancelled":    "[已取消]",
	"apply.failed":        "自动应用失败：",
	"apply.version":       "已应用为版本 %s",
	"apply.files":         "已应用 %d 个文件",
	"apply.files_version": "已应用 %d 个文件，版本 %s",
	"apply.extra_changed": "同时改动：%s",
	"apply.extra_error":   "额外文件：",

	// 斜杠命令
	"cmd.help":     "显示命令",
	"cmd.exit":     "退出",
	"cmd.new":      "[mode] 新建会话",
	"cmd.mode":     "<build|ask|agent|free> 切换会话模式",
	"cmd.history":  "列出会话消息",
	"cmd.show":     "以 Markdown 渲染最后一条回答",
	"cmd.proposal": "显示待处理提案",
	"cmd.approve":  "应用待处理提案",
	"cmd.reject":   "丢弃待处理提案",
	"cmd.versions": "列出应用版本",
	"cmd.checkout": "<oid> 检出版本",
	"cmd.revert":   "<oid> 将应用回退到某个版本",
	"cmd.favorite": "<oid> 切换版本收藏",
	"cmd.quota":    "[mode] 查看配额",
	"cmd.tokens":   "[draft] 估算上下文大小",
	"cmd.model":    "<name> 切换并保存模型",
	"cmd.consent":  "<tool> <always|ask|never> 保存授权级别",

	// 命令结果
	"result.new_conversation": "新会话 %d（%s）",
	"result.checked_out":      "已检出 %s",
	"result.reverted":         "已回退为 %s（删除 %d 条消息）",
	"result.tokens":           "约 %d / %d tokens（%d 时压缩）",
	"result.model":            "模型：%s",
	"result.saved":            "已保存；下次启动生效",
}
