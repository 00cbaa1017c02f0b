package state

import "strings"

// criticalPackageList is the safety net: packages that must never be frozen
// because suspending them would brick or destabilise the device. Launchers,
// IMEs, telephony, core Google/Android services, and root/hook tooling all
// qualify. Any package under "com.android." is covered by the prefix rule in
// isCriticalPackage, so only non-obvious entries are listed here.
//
// The set is read only through isCriticalPackage (called by effectivePolicy
// and by the SetPolicy rejection) so a future move to a versioned config
// file stays mechanical.
var criticalPackageList = []string{
	// Core runtime.
	"zygote",
	"zygote64",

	// Google mobile services and friends.
	"com.google.android.gms",
	"com.google.android.gsf",
	"com.google.android.ext.services",
	"com.google.android.ext.shared",
	"com.google.android.webview",
	"com.google.android.tts",
	"com.google.android.packageinstaller",
	"com.google.android.permissioncontroller",
	"com.google.android.googlequicksearchbox",
	"com.google.android.projection.gearhead",
	"com.google.android.apps.messaging",
	"com.google.android.contacts",
	"com.google.android.deskclock",
	"com.google.android.configupdater",
	"com.google.android.modulemetadata",
	"android.ext.services",
	"android.ext.shared",

	// Launchers.
	"com.miui.home",
	"app.lawnchair",
	"com.microsoft.launcher",
	"com.teslacoilsw.launcher",
	"com.hola.launcher",
	"com.transsion.XOSLauncher",
	"com.mi.android.globallauncher",
	"com.gau.go.launcherex",
	"bitpit.launcher",
	"com.oppo.launcher",

	// Input methods.
	"com.baidu.input",
	"com.sohu.inputmethod.sogou.xiaomi",
	"com.iflytek.inputmethod",
	"com.tencent.qqpinyin",
	"com.touchtype.swiftkey",
	"im.weshine.keyboard",
	"com.komoxo.octopusime",
	"com.ziipin.softkeyboard",
	"com.miui.securityinputmethod",

	// Root, hook, and automation tooling; freezing the manager bricks the
	// module.
	"com.topjohnwu.magisk",
	"org.lsposed.manager",
	"me.weishu.kernelsu",
	"top.canyie.dreamland.manager",
	"com.sevtinge.hyperceiler",
	"name.monwf.customiuizer",
	"com.merxury.blocker",
	"li.songe.gkd",
	"com.zfdang.touchhelper",

	// Push proxies.
	"org.meowcat.xposed.mipush",
	"top.trumeet.mipush",
	"one.yufz.hmspush",

	// Vendor system services commonly running under user package names.
	"com.xiaomi.xmsf",
	"com.xiaomi.xmsfkeeper",
	"com.xiaomi.account",
	"com.xiaomi.mibrain.speech",
	"com.miui.core",
	"com.miui.system",
	"com.miui.rom",
	"com.miui.securityadd",
	"com.miui.packageinstaller",
	"com.miui.accessibility",
	"com.lbe.security.miui",
	"com.huawei.hwid",
	"com.oplus.packageinstaller",
	"com.coloros.packageinstaller",
	"com.vivo.packageinstaller",
	"com.iqoo.packageinstaller",
	"com.tencent.soter.soterserver",
	"com.qualcomm.qti.poweroffalarm",
	"org.codeaurora.ims",
}

// criticalPackages is the lookup set built from criticalPackageList.
var criticalPackages = func() map[string]struct{} {
	set := make(map[string]struct{}, len(criticalPackageList))
	for _, pkg := range criticalPackageList {
		set[pkg] = struct{}{}
	}
	return set
}()

// isCriticalPackage reports whether pkg may never be frozen. The
// "com.android." prefix covers the whole AOSP system app namespace.
func isCriticalPackage(pkg string) bool {
	if strings.HasPrefix(pkg, "com.android.") {
		return true
	}
	_, ok := criticalPackages[pkg]
	return ok
}
